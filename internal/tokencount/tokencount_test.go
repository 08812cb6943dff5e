package tokencount

import "testing"

func TestEncodingName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-5", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"claude-sonnet-4", "cl100k_base"},
		{"gemini-2.0-flash", "cl100k_base"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := encodingName(tt.model); got != tt.want {
				t.Fatalf("encodingName(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world, this is a test", 7},
	}
	for _, tt := range tests {
		if got := heuristic(tt.text); got != tt.want {
			t.Fatalf("heuristic(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCount(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	if got := c.Count("any-model", ""); got != 0 {
		t.Fatalf("empty text = %d, want 0", got)
	}
	// Exact counts depend on the tokenizer; non-empty text is at least one
	// token under both paths.
	if got := c.Count("claude-sonnet-4", "hello world"); got < 1 {
		t.Fatalf("count = %d, want >= 1", got)
	}
}

func TestCountMessages(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	if got := c.CountMessages("m", nil); got != 3 {
		t.Fatalf("no messages = %d, want reply priming only", got)
	}

	// Per-message framing overhead dominates short prompts.
	got := c.CountMessages("m", []string{"hi", "there"})
	if got < 2*4+3 {
		t.Fatalf("two messages = %d, want at least the framing overhead", got)
	}
}
