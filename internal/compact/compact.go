// Package compact provides the pluggable compaction function: content in,
// reduced content out, under a fixed token budget. The scheduler invokes it;
// the core never generates summaries itself.
package compact

import (
	"context"
	"fmt"
	"strings"
)

// Compactor reduces content to fit a token budget.
type Compactor interface {
	Compact(ctx context.Context, content string, tokenBudget int) (string, error)
}

// EstimateTokens approximates the token footprint of a string.
// The usual ~4 chars/token heuristic; budgets are coarse by design.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// New creates a compactor for the named backend.
func New(backend, ollamaURL, ollamaModel string) (Compactor, error) {
	switch backend {
	case "", "truncate":
		return Truncate{}, nil
	case "ollama":
		if ollamaURL == "" {
			ollamaURL = "http://localhost:11434"
		}
		if ollamaModel == "" {
			ollamaModel = "llama3.2"
		}
		return NewOllama(ollamaURL, ollamaModel), nil
	default:
		return nil, fmt.Errorf("unknown compactor backend: %q", backend)
	}
}

// clipToBudget hard-truncates text to the token budget at a word boundary.
// Used by Truncate directly and as the guard on summarizer output.
func clipToBudget(s string, tokenBudget int) string {
	if tokenBudget <= 0 {
		return ""
	}
	maxChars := tokenBudget * 4
	if len(s) <= maxChars {
		return s
	}
	cut := s[:maxChars]
	// Back up to the last word boundary so we never cut mid-word.
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n\t")
}
