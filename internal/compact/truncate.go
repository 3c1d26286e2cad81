package compact

import "context"

// Truncate is the deterministic default compactor: a word-boundary cut to
// the token budget. No external calls, so it never fails and the hot path
// of a decay cycle stays local.
type Truncate struct{}

// Compact returns the content clipped to the budget.
func (Truncate) Compact(_ context.Context, content string, tokenBudget int) (string, error) {
	return clipToBudget(content, tokenBudget), nil
}
