package transcode

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
)

// --- RESP (OpenAI responses) ---
//
// Structural differences from the chat shape: input is a string or an item
// list instead of messages, instructions replace the system role, tools are
// flat (no "function" envelope), function calls and their outputs are
// top-level items keyed by call_id, and streaming is a typed event protocol
// rather than uniform chunks.

// respDecodeRequest lowers a responses request into the chat shape.
func respDecodeRequest(body []byte) (*chatRequest, error) {
	r := gjson.ParseBytes(body)
	input := r.Get("input")
	if !input.Exists() {
		return nil, fmt.Errorf("responses: missing input: %w", gateway.ErrBadRequest)
	}

	out := &chatRequest{Model: r.Get("model").String()}

	if ins := r.Get("instructions"); ins.Exists() && ins.String() != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: jsonString(ins.String())})
	}

	if input.Type == gjson.String {
		out.Messages = append(out.Messages, chatMessage{Role: "user", Content: jsonString(input.String())})
	} else if input.IsArray() {
		var err error
		input.ForEach(func(_, item gjson.Result) bool {
			msg, e := respLowerItem(item)
			if e != nil {
				err = e
				return false
			}
			if msg != nil {
				out.Messages = append(out.Messages, *msg)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("responses: empty input: %w", gateway.ErrBadRequest)
	}

	if v := r.Get("max_output_tokens"); v.Exists() {
		n := int(v.Int())
		out.MaxTokens = &n
	}
	if v := r.Get("temperature"); v.Exists() {
		f := v.Float()
		out.Temperature = &f
	}
	if v := r.Get("top_p"); v.Exists() {
		f := v.Float()
		out.TopP = &f
	}
	if tools := r.Get("tools"); tools.IsArray() {
		out.Tools = respLowerTools(tools)
	}
	if tc := r.Get("tool_choice"); tc.Exists() {
		out.ToolChoice = respLowerToolChoice(tc)
	}
	return out, nil
}

func respLowerItem(item gjson.Result) (*chatMessage, error) {
	switch item.Get("type").String() {
	case "", "message":
		role := item.Get("role").String()
		content := item.Get("content")
		if content.Type == gjson.String {
			return &chatMessage{Role: role, Content: jsonString(content.String())}, nil
		}
		var text string
		var unsupported error
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "input_text", "output_text", "text":
				text += part.Get("text").String()
			case "input_image", "input_audio", "input_file":
				unsupported = fmt.Errorf("responses: %s part: %w",
					part.Get("type").String(), gateway.ErrUnsupportedContent)
				return false
			}
			return true
		})
		if unsupported != nil {
			return nil, unsupported
		}
		return &chatMessage{Role: role, Content: jsonString(text)}, nil
	case "function_call":
		return &chatMessage{
			Role: "assistant",
			ToolCalls: []chatToolCall{{
				ID:   item.Get("call_id").String(),
				Type: "function",
				Function: chatFunction{
					Name:      item.Get("name").String(),
					Arguments: item.Get("arguments").String(),
				},
			}},
		}, nil
	case "function_call_output":
		return &chatMessage{
			Role:       "tool",
			ToolCallID: item.Get("call_id").String(),
			Content:    jsonString(item.Get("output").String()),
		}, nil
	default:
		return nil, nil // reasoning items and other passthrough types are dropped
	}
}

func respLowerTools(tools gjson.Result) json.RawMessage {
	var out []map[string]any
	tools.ForEach(func(_, t gjson.Result) bool {
		if t.Get("type").String() != "function" {
			return true
		}
		fn := map[string]any{"name": t.Get("name").String()}
		if d := t.Get("description"); d.Exists() {
			fn["description"] = d.String()
		}
		if p := t.Get("parameters"); p.Exists() {
			fn["parameters"] = json.RawMessage(p.Raw)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
		return true
	})
	b, _ := json.Marshal(out)
	return b
}

func respLowerToolChoice(tc gjson.Result) json.RawMessage {
	if tc.Type == gjson.String {
		return json.RawMessage(tc.Raw)
	}
	if tc.Get("type").String() == "function" {
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Get("name").String()},
		})
		return b
	}
	return json.RawMessage(`"auto"`)
}

// respEncodeRequest raises a chat-shaped request into the responses wire form.
func respEncodeRequest(req *chatRequest, b *Binding) ([]byte, error) {
	out := map[string]any{"model": b.Model}
	if b.Stream {
		out["stream"] = true
	}
	if req.MaxTokens != nil {
		out["max_output_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}

	var instructions string
	var items []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			instructions += textOf(m.Content)
		case "tool":
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  textOf(m.Content),
			})
		case "assistant":
			if text := textOf(m.Content); text != "" {
				items = append(items, map[string]any{
					"type": "message", "role": "assistant",
					"content": []map[string]any{{"type": "output_text", "text": text}},
				})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				})
			}
		default:
			items = append(items, map[string]any{
				"type": "message", "role": m.Role,
				"content": []map[string]any{{"type": "input_text", "text": textOf(m.Content)}},
			})
		}
	}
	if instructions != "" {
		out["instructions"] = instructions
	}
	out["input"] = items

	if len(req.Tools) > 0 {
		out["tools"] = respRaiseTools(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		out["tool_choice"] = respRaiseToolChoice(req.ToolChoice)
	}
	return json.Marshal(out)
}

func respRaiseTools(raw json.RawMessage) []map[string]any {
	var out []map[string]any
	gjson.ParseBytes(raw).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		tool := map[string]any{"type": "function", "name": fn.Get("name").String()}
		if d := fn.Get("description"); d.Exists() {
			tool["description"] = d.String()
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool["parameters"] = json.RawMessage(p.Raw)
		}
		out = append(out, tool)
		return true
	})
	return out
}

func respRaiseToolChoice(raw json.RawMessage) any {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	return map[string]any{"type": "function", "name": r.Get("function.name").String()}
}

// respDecodeResponse parses a buffered responses payload into the snapshot
// form.
func respDecodeResponse(body []byte, _ *Binding) (*snapshotState, error) {
	r := gjson.ParseBytes(body)
	s := &snapshotState{
		ID:    r.Get("id").String(),
		Model: r.Get("model").String(),
	}
	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					s.Content.WriteString(part.Get("text").String())
				}
				return true
			})
		case "function_call":
			s.Tools = append(s.Tools, chatToolCall{
				ID:   item.Get("call_id").String(),
				Type: "function",
				Function: chatFunction{
					Name:      item.Get("name").String(),
					Arguments: item.Get("arguments").String(),
				},
			})
		}
		return true
	})

	switch {
	case len(s.Tools) > 0:
		s.Finish = "tool_calls"
	case r.Get("incomplete_details.reason").String() == "max_output_tokens":
		s.Finish = "length"
	default:
		s.Finish = "stop"
	}

	if u := r.Get("usage"); u.Exists() {
		s.Usage = &usageCounts{
			Prompt:     int(u.Get("input_tokens").Int()),
			Completion: int(u.Get("output_tokens").Int()),
			CachedRead: int(u.Get("input_tokens_details.cached_tokens").Int()),
		}
	}
	return s, nil
}

// respEncodeResponse serializes a snapshot as a buffered responses payload.
func respEncodeResponse(s *snapshotState, b *Binding) ([]byte, error) {
	out := map[string]any{
		"id":     respID(s, b),
		"object": "response",
		"model":  b.Alias,
		"status": "completed",
		"output": respOutputItems(s, b),
	}
	if s.Finish == "length" {
		out["status"] = "incomplete"
		out["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	if s.Usage != nil {
		out["usage"] = respUsageJSON(s.Usage)
	}
	return json.Marshal(out)
}

func respID(s *snapshotState, b *Binding) string {
	if s.ID != "" {
		return s.ID
	}
	return "resp_" + b.RequestID
}

func respOutputItems(s *snapshotState, b *Binding) []map[string]any {
	var output []map[string]any
	if s.Content.Len() > 0 {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     "msg_" + b.RequestID,
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type": "output_text", "text": s.Content.String(), "annotations": []any{},
			}},
		})
	}
	for i, tc := range s.Tools {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        fmt.Sprintf("fc_%s_%d", b.RequestID, i),
			"call_id":   tc.ID,
			"name":      tc.Function.Name,
			"arguments": tc.Function.Arguments,
			"status":    "completed",
		})
	}
	if output == nil {
		output = []map[string]any{}
	}
	return output
}

func respUsageJSON(u *usageCounts) map[string]any {
	out := map[string]any{
		"input_tokens":  u.Prompt,
		"output_tokens": u.Completion,
		"total_tokens":  u.Prompt + u.Completion,
	}
	if u.CachedRead > 0 {
		out["input_tokens_details"] = map[string]any{"cached_tokens": u.CachedRead}
	}
	return out
}

// --- RESP streaming ---

// respStreamDecoder consumes responses API events. The event name precedes
// its data line, so the decoder carries it between lines.
type respStreamDecoder struct {
	lines lineSplitter
	event string
	done  bool

	toolIdx  map[int]int // output_index -> tool index
	nextTool int
}

func (d *respStreamDecoder) feed(chunk []byte) []delta {
	var out []delta
	for _, line := range d.lines.push(chunk) {
		out = append(out, d.handleLine(line)...)
	}
	return out
}

func (d *respStreamDecoder) close() []delta {
	if rest := d.lines.rest(); rest != "" {
		return d.handleLine(rest)
	}
	return nil
}

func (d *respStreamDecoder) finished() bool { return d.done }

func (d *respStreamDecoder) handleLine(line string) []delta {
	event, data, ok := ParseSSELine(line)
	if !ok {
		return nil
	}
	if event != "" {
		d.event = event
		return nil
	}
	if data == "" {
		return nil
	}
	r := gjson.Parse(data)
	typ := d.event
	if typ == "" {
		typ = r.Get("type").String()
	}

	switch typ {
	case "response.created":
		return []delta{{Kind: deltaRole}}
	case "response.output_text.delta":
		return []delta{{Kind: deltaContent, Content: r.Get("delta").String()}}
	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		if d.toolIdx == nil {
			d.toolIdx = make(map[int]int, 2)
		}
		idx := d.nextTool
		d.toolIdx[int(r.Get("output_index").Int())] = idx
		d.nextTool++
		return []delta{{
			Kind:  deltaToolStart,
			Index: idx,
			ID:    item.Get("call_id").String(),
			Name:  item.Get("name").String(),
		}}
	case "response.function_call_arguments.delta":
		idx, ok := d.toolIdx[int(r.Get("output_index").Int())]
		if !ok {
			return nil
		}
		return []delta{{Kind: deltaToolArgs, Index: idx, Args: r.Get("delta").String()}}
	case "response.completed", "response.incomplete":
		d.done = true
		var out []delta
		finish := "stop"
		if d.nextTool > 0 {
			finish = "tool_calls"
		}
		if r.Get("response.incomplete_details.reason").String() == "max_output_tokens" {
			finish = "length"
		}
		out = append(out, delta{Kind: deltaFinish, Finish: finish})
		if u := r.Get("response.usage"); u.Exists() {
			out = append(out, delta{Kind: deltaUsage, Usage: &usageCounts{
				Prompt:     int(u.Get("input_tokens").Int()),
				Completion: int(u.Get("output_tokens").Int()),
				CachedRead: int(u.Get("input_tokens_details.cached_tokens").Int()),
			}})
		}
		return out
	}
	return nil
}

// respStreamEncoder renders neutral deltas as responses API events.
type respStreamEncoder struct {
	b *Binding

	started  bool
	outIdx   int
	textOpen bool
	toolOut  map[int]int // tool index -> output_index
	usage    *usageCounts
}

func (e *respStreamEncoder) encode(s *snapshotState, d delta) [][]byte {
	var frames [][]byte
	if !e.started && d.Kind != deltaUsage {
		e.started = true
		created, _ := json.Marshal(map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id": respID(s, e.b), "object": "response",
				"model": e.b.Alias, "status": "in_progress",
			},
		})
		frames = append(frames, sseEvent("response.created", created))
	}

	switch d.Kind {
	case deltaContent:
		if !e.textOpen {
			e.textOpen = true
			added, _ := json.Marshal(map[string]any{
				"type":         "response.output_item.added",
				"output_index": e.outIdx,
				"item": map[string]any{
					"type": "message", "id": "msg_" + e.b.RequestID,
					"role": "assistant", "status": "in_progress",
				},
			})
			frames = append(frames, sseEvent("response.output_item.added", added))
		}
		dl, _ := json.Marshal(map[string]any{
			"type":         "response.output_text.delta",
			"output_index": e.outIdx,
			"delta":        d.Content,
		})
		frames = append(frames, sseEvent("response.output_text.delta", dl))
	case deltaToolStart:
		if e.textOpen {
			frames = append(frames, e.closeText(s))
		}
		if e.toolOut == nil {
			e.toolOut = make(map[int]int, 2)
		}
		e.toolOut[d.Index] = e.outIdx
		added, _ := json.Marshal(map[string]any{
			"type":         "response.output_item.added",
			"output_index": e.outIdx,
			"item": map[string]any{
				"type":    "function_call",
				"id":      fmt.Sprintf("fc_%s_%d", e.b.RequestID, d.Index),
				"call_id": d.ID,
				"name":    d.Name, "arguments": "", "status": "in_progress",
			},
		})
		e.outIdx++
		frames = append(frames, sseEvent("response.output_item.added", added))
	case deltaToolArgs:
		dl, _ := json.Marshal(map[string]any{
			"type":         "response.function_call_arguments.delta",
			"output_index": e.toolOut[d.Index],
			"delta":        d.Args,
		})
		frames = append(frames, sseEvent("response.function_call_arguments.delta", dl))
	case deltaUsage:
		e.usage = d.Usage
	}
	return frames
}

func (e *respStreamEncoder) closeText(s *snapshotState) []byte {
	done, _ := json.Marshal(map[string]any{
		"type":         "response.output_item.done",
		"output_index": e.outIdx,
		"item": map[string]any{
			"type": "message", "id": "msg_" + e.b.RequestID,
			"role": "assistant", "status": "completed",
			"content": []map[string]any{{
				"type": "output_text", "text": s.Content.String(), "annotations": []any{},
			}},
		},
	})
	e.outIdx++
	e.textOpen = false
	return sseEvent("response.output_item.done", done)
}

// finishFrames closes open items and emits the terminal response.completed
// event carrying the full reconstructed response.
func (e *respStreamEncoder) finishFrames(s *snapshotState) [][]byte {
	var frames [][]byte
	if e.textOpen {
		frames = append(frames, e.closeText(s))
	}

	status := "completed"
	eventName := "response.completed"
	resp := map[string]any{
		"id": respID(s, e.b), "object": "response",
		"model": e.b.Alias, "status": status,
		"output": respOutputItems(s, e.b),
	}
	if s.Finish == "length" {
		resp["status"] = "incomplete"
		resp["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
		eventName = "response.incomplete"
	}
	usage := e.usage
	if usage == nil {
		usage = s.Usage
	}
	if usage != nil {
		resp["usage"] = respUsageJSON(usage)
	}
	done, _ := json.Marshal(map[string]any{"type": eventName, "response": resp})
	frames = append(frames, sseEvent(eventName, done))
	return frames
}

// errorFrames closes open items and ends a truncated stream with a
// response.failed event.
func (e *respStreamEncoder) errorFrames(s *snapshotState) [][]byte {
	var frames [][]byte
	if e.textOpen {
		frames = append(frames, e.closeText(s))
	}

	resp := map[string]any{
		"id": respID(s, e.b), "object": "response",
		"model": e.b.Alias, "status": "failed",
		"output": respOutputItems(s, e.b),
		"error": map[string]any{
			"code":    "server_error",
			"message": "stream ended before completion",
		},
	}
	usage := e.usage
	if usage == nil {
		usage = s.Usage
	}
	if usage != nil {
		resp["usage"] = respUsageJSON(usage)
	}
	failed, _ := json.Marshal(map[string]any{"type": "response.failed", "response": resp})
	frames = append(frames, sseEvent("response.failed", failed))
	return frames
}
