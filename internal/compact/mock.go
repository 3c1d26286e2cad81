package compact

import (
	"context"
	"sync"
)

// Mock is a test double for the Compactor interface. Safe for concurrent
// workers.
type Mock struct {
	Output string
	Err    error

	mu    sync.Mutex
	Calls []int // records the budget of each call
}

// Compact records the call and returns the configured output, clipped to
// the budget unless an error is configured.
func (m *Mock) Compact(_ context.Context, content string, tokenBudget int) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, tokenBudget)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	out := m.Output
	if out == "" {
		out = content
	}
	return clipToBudget(out, tokenBudget), nil
}
