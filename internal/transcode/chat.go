package transcode

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
)

// --- CHAT (OpenAI chat/completions): the interchange form itself ---

func chatDecodeRequest(body []byte) (*chatRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("chat: decode request: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat: empty messages: %w", gateway.ErrBadRequest)
	}
	return &req, nil
}

func chatEncodeRequest(req *chatRequest, b *Binding) ([]byte, error) {
	out := *req
	out.Model = b.Model
	out.Stream = b.Stream
	return json.Marshal(&out)
}

// chatDecodeResponse parses a buffered chat completion into the snapshot form.
func chatDecodeResponse(body []byte, _ *Binding) (*snapshotState, error) {
	r := gjson.ParseBytes(body)
	s := &snapshotState{
		ID:     r.Get("id").String(),
		Model:  r.Get("model").String(),
		Finish: r.Get("choices.0.finish_reason").String(),
	}
	msg := r.Get("choices.0.message")
	s.Content.WriteString(msg.Get("content").String())
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		s.Tools = append(s.Tools, chatToolCall{
			ID:   tc.Get("id").String(),
			Type: "function",
			Function: chatFunction{
				Name:      tc.Get("function.name").String(),
				Arguments: tc.Get("function.arguments").String(),
			},
		})
		return true
	})
	if u := r.Get("usage"); u.Exists() {
		s.Usage = &usageCounts{
			Prompt:     int(u.Get("prompt_tokens").Int()),
			Completion: int(u.Get("completion_tokens").Int()),
			CachedRead: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		}
	}
	return s, nil
}

// chatEncodeResponse serializes a snapshot as a buffered chat completion.
func chatEncodeResponse(s *snapshotState, b *Binding) ([]byte, error) {
	msg := map[string]any{"role": "assistant"}
	if s.Content.Len() > 0 || len(s.Tools) == 0 {
		msg["content"] = s.Content.String()
	}
	if len(s.Tools) > 0 {
		msg["tool_calls"] = s.Tools
	}
	finish := s.Finish
	if finish == "" {
		finish = "stop"
	}
	out := map[string]any{
		"id":      chatID(s, b),
		"object":  "chat.completion",
		"model":   b.Alias,
		"choices": []map[string]any{{"index": 0, "message": msg, "finish_reason": finish}},
	}
	if s.Usage != nil {
		out["usage"] = chatUsageJSON(s.Usage)
	}
	return json.Marshal(out)
}

func chatID(s *snapshotState, b *Binding) string {
	if s.ID != "" {
		return s.ID
	}
	return "chatcmpl-" + b.RequestID
}

func chatUsageJSON(u *usageCounts) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.Prompt,
		"completion_tokens": u.Completion,
		"total_tokens":      u.Prompt + u.Completion,
	}
	if u.CachedRead > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CachedRead}
	}
	return out
}

// --- CHAT streaming ---

// chatStreamDecoder consumes OpenAI SSE chunks and emits neutral deltas.
type chatStreamDecoder struct {
	lines lineSplitter
	done  bool
}

func (d *chatStreamDecoder) feed(chunk []byte) []delta {
	var out []delta
	for _, line := range d.lines.push(chunk) {
		out = append(out, d.handleLine(line)...)
	}
	return out
}

func (d *chatStreamDecoder) close() []delta {
	if rest := d.lines.rest(); rest != "" {
		return d.handleLine(rest)
	}
	return nil
}

func (d *chatStreamDecoder) finished() bool { return d.done }

func (d *chatStreamDecoder) handleLine(line string) []delta {
	_, data, ok := ParseSSELine(line)
	if !ok || data == "" {
		return nil
	}
	if data == "[DONE]" {
		d.done = true
		return nil
	}
	r := gjson.Parse(data)
	var out []delta

	dl := r.Get("choices.0.delta")
	if role := dl.Get("role"); role.Exists() {
		out = append(out, delta{Kind: deltaRole})
	}
	if c := dl.Get("content"); c.Exists() && c.Type == gjson.String {
		out = append(out, delta{Kind: deltaContent, Content: c.String()})
	}
	dl.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if id := tc.Get("id"); id.Exists() {
			out = append(out, delta{
				Kind:  deltaToolStart,
				Index: idx,
				ID:    id.String(),
				Name:  tc.Get("function.name").String(),
			})
		}
		if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
			out = append(out, delta{Kind: deltaToolArgs, Index: idx, Args: args.String()})
		}
		return true
	})
	if f := r.Get("choices.0.finish_reason"); f.Exists() && f.Type == gjson.String {
		out = append(out, delta{Kind: deltaFinish, Finish: f.String()})
	}
	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		out = append(out, delta{Kind: deltaUsage, Usage: &usageCounts{
			Prompt:     int(u.Get("prompt_tokens").Int()),
			Completion: int(u.Get("completion_tokens").Int()),
			CachedRead: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		}})
	}
	return out
}

// chatStreamEncoder renders neutral deltas as OpenAI SSE frames.
type chatStreamEncoder struct {
	b *Binding
}

func (e *chatStreamEncoder) encode(s *snapshotState, d delta) [][]byte {
	id := chatID(s, e.b)
	switch d.Kind {
	case deltaRole:
		return [][]byte{sseData(chatChunk(id, e.b.Alias, map[string]any{"role": "assistant"}, nil))}
	case deltaContent:
		return [][]byte{sseData(chatChunk(id, e.b.Alias, map[string]any{"content": d.Content}, nil))}
	case deltaToolStart:
		return [][]byte{sseData(chatChunk(id, e.b.Alias, map[string]any{
			"tool_calls": []map[string]any{{
				"index":    d.Index,
				"id":       d.ID,
				"type":     "function",
				"function": map[string]any{"name": d.Name, "arguments": ""},
			}},
		}, nil))}
	case deltaToolArgs:
		return [][]byte{sseData(chatChunk(id, e.b.Alias, map[string]any{
			"tool_calls": []map[string]any{{
				"index":    d.Index,
				"function": map[string]any{"arguments": d.Args},
			}},
		}, nil))}
	case deltaFinish:
		return [][]byte{sseData(chatChunk(id, e.b.Alias, map[string]any{}, d.Finish))}
	case deltaUsage:
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"model":   e.b.Alias,
			"choices": []map[string]any{},
			"usage":   chatUsageJSON(d.Usage),
		}
		bts, _ := json.Marshal(chunk)
		return [][]byte{sseData(bts)}
	}
	return nil
}

func (e *chatStreamEncoder) finishFrames(*snapshotState) [][]byte {
	return [][]byte{[]byte("data: [DONE]\n\n")}
}

// errorFrames ends a truncated stream with a finish_reason "error" chunk.
func (e *chatStreamEncoder) errorFrames(s *snapshotState) [][]byte {
	return [][]byte{
		sseData(chatChunk(chatID(s, e.b), e.b.Alias, map[string]any{}, "error")),
		[]byte("data: [DONE]\n\n"),
	}
}

// chatChunk builds one chat.completion.chunk JSON payload.
func chatChunk(id, model string, dl map[string]any, finish any) []byte {
	if fs, ok := finish.(string); ok && fs == "" {
		finish = nil
	}
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         dl,
			"finish_reason": finish,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// sseData wraps a JSON payload in a "data: ...\n\n" SSE frame.
func sseData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// sseEvent wraps a payload in an "event: <name>\ndata: ...\n\n" SSE frame.
func sseEvent(name string, payload []byte) []byte {
	out := make([]byte, 0, len(name)+len(payload)+16)
	out = append(out, "event: "...)
	out = append(out, name...)
	out = append(out, "\ndata: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}
