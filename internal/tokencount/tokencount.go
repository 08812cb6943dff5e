// Package tokencount estimates token counts for usage records when an
// upstream omits its accounting. It uses tiktoken when the model's encoding
// is known and falls back to a ~4 chars/token heuristic otherwise.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts for request and response text.
type Counter struct {
	mu  sync.Mutex
	enc map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{enc: make(map[string]*tiktoken.Tiktoken)}
}

// Count estimates tokens for text under the given model's tokenizer.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(model); enc != nil {
		return max(len(enc.Encode(text, nil, nil)), 1)
	}
	return heuristic(text)
}

// CountMessages estimates the prompt token count for a chat-shaped request.
// Accounts for per-message overhead per the OpenAI tokenization notes.
func (c *Counter) CountMessages(model string, texts []string) int {
	total := 0
	for _, t := range texts {
		total += 4 // role plus framing
		total += c.Count(model, t)
	}
	total += 3 // reply priming
	return max(total, 1)
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	name := encodingName(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.enc[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		enc = nil
	}
	c.enc[name] = enc
	return enc
}

// encodingName picks a tokenizer family by model name. Non-OpenAI models get
// cl100k_base, which is close enough for accounting.
func encodingName(model string) string {
	switch {
	case strings.Contains(model, "gpt-4o"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "gpt-5"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

// heuristic approximates ~4 bytes per token for English text, rounded up.
func heuristic(s string) int {
	return (len(s) + 3) / 4
}
