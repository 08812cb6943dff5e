package transcode

import (
	"fmt"

	gateway "github.com/mstiller/switchboard/internal"
)

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	CacheWriteTokens int
}

func exportUsage(u *usageCounts) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.Prompt,
		CompletionTokens: u.Completion,
		CachedTokens:     u.CachedRead,
		CacheWriteTokens: u.CacheWrite,
	}
}

// Result is a translated buffered response plus the accounting and text the
// journal needs.
type Result struct {
	Body         []byte
	Usage        *Usage
	FinishReason string
	OutputText   string // assistant text, for token estimation fallback
}

// Response translates a buffered upstream response from the provider's
// family back to the client's. Same-family bodies pass through verbatim but
// are still decoded for accounting.
func Response(src, dst gateway.APIFamily, body []byte, b *Binding) (*Result, error) {
	if src.Specialized() || dst.Specialized() {
		return &Result{Body: body, FinishReason: "stop"}, nil
	}
	sc, ok := codecs[src]
	if !ok {
		return nil, fmt.Errorf("translate response: unknown family %q: %w", src, gateway.ErrBadRequest)
	}
	snap, err := sc.decodeResponse(body, b)
	if err != nil {
		return nil, err
	}

	out := body
	if src != dst {
		out, err = codecs[dst].encodeResponse(snap, b)
		if err != nil {
			return nil, err
		}
	}
	return &Result{
		Body:         out,
		Usage:        exportUsage(snap.Usage),
		FinishReason: snap.Finish,
		OutputText:   snap.Content.String(),
	}, nil
}
