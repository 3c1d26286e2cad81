package compact

import (
	"context"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.in); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestTruncateWithinBudget(t *testing.T) {
	content := "short note"
	got, err := Truncate{}.Compact(context.Background(), content, 500)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got != content {
		t.Errorf("content under budget was modified: %q", got)
	}
}

func TestTruncateCutsAtWordBoundary(t *testing.T) {
	content := strings.Repeat("alpha beta gamma delta ", 100)
	budget := 50

	got, err := Truncate{}.Compact(context.Background(), content, budget)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if EstimateTokens(got) > budget {
		t.Errorf("output is %d tokens, over budget %d", EstimateTokens(got), budget)
	}
	if strings.HasSuffix(got, " ") {
		t.Error("output has trailing whitespace")
	}
	// The cut lands on a word boundary, never mid-word.
	last := got[strings.LastIndexByte(got, ' ')+1:]
	switch last {
	case "alpha", "beta", "gamma", "delta":
	default:
		t.Errorf("output ends mid-word: %q", last)
	}
}

func TestTruncateZeroBudget(t *testing.T) {
	got, err := Truncate{}.Compact(context.Background(), "anything", 0)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got != "" {
		t.Errorf("zero budget output = %q, want empty", got)
	}
}

func TestNewBackendSelection(t *testing.T) {
	if c, err := New("", "", ""); err != nil {
		t.Errorf("default backend: %v", err)
	} else if _, ok := c.(Truncate); !ok {
		t.Errorf("default backend = %T, want Truncate", c)
	}

	if c, err := New("ollama", "", ""); err != nil {
		t.Errorf("ollama backend: %v", err)
	} else if _, ok := c.(*Ollama); !ok {
		t.Errorf("ollama backend = %T", c)
	}

	if _, err := New("gzip", "", ""); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestMockClipsOutput(t *testing.T) {
	m := &Mock{Output: strings.Repeat("word ", 100)}
	got, err := m.Compact(context.Background(), "input", 10)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if EstimateTokens(got) > 10 {
		t.Errorf("mock output over budget: %d tokens", EstimateTokens(got))
	}
	if len(m.Calls) != 1 || m.Calls[0] != 10 {
		t.Errorf("Calls = %v, want [10]", m.Calls)
	}
}
