package transcode

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
)

// --- MSG (Anthropic messages) ---
//
// Structural differences from the chat shape: a top-level system prompt,
// content blocks instead of flat strings, tool_use/tool_result blocks instead
// of tool_calls/tool messages, required max_tokens, and a distinct stop_reason
// vocabulary.

const msgDefaultMaxTokens = 4096

func msgStopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func msgFinishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// msgDecodeRequest lowers an Anthropic messages request into the chat shape.
func msgDecodeRequest(body []byte) (*chatRequest, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("messages").IsArray() {
		return nil, fmt.Errorf("messages: missing messages array: %w", gateway.ErrBadRequest)
	}

	out := &chatRequest{Model: r.Get("model").String()}

	if sys := r.Get("system"); sys.Exists() {
		text := sys.String()
		if sys.IsArray() {
			text = ""
			sys.ForEach(func(_, blk gjson.Result) bool {
				text += blk.Get("text").String()
				return true
			})
		}
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: jsonString(text)})
	}

	var err error
	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		msgs, e := msgLowerMessage(m)
		if e != nil {
			err = e
			return false
		}
		out.Messages = append(out.Messages, msgs...)
		return true
	})
	if err != nil {
		return nil, err
	}

	if v := r.Get("max_tokens"); v.Exists() {
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
	if v := r.Get("stop_sequences"); v.Exists() {
		out.Stop = json.RawMessage(v.Raw)
	}
	if tools := r.Get("tools"); tools.IsArray() {
		out.Tools = msgLowerTools(tools)
	}
	if tc := r.Get("tool_choice"); tc.Exists() {
		out.ToolChoice = msgLowerToolChoice(tc)
	}
	return out, nil
}

// msgLowerMessage converts one Anthropic message into chat messages. A single
// message can fan out: tool_result blocks become separate role=tool messages.
func msgLowerMessage(m gjson.Result) ([]chatMessage, error) {
	role := m.Get("role").String()
	content := m.Get("content")

	if content.Type == gjson.String {
		return []chatMessage{{Role: role, Content: jsonString(content.String())}}, nil
	}

	var out []chatMessage
	var text string
	var toolCalls []chatToolCall
	var unsupported error

	content.ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			text += blk.Get("text").String()
		case "tool_use":
			toolCalls = append(toolCalls, chatToolCall{
				ID:   blk.Get("id").String(),
				Type: "function",
				Function: chatFunction{
					Name:      blk.Get("name").String(),
					Arguments: blk.Get("input").Raw,
				},
			})
		case "tool_result":
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: blk.Get("tool_use_id").String(),
				Content:    jsonString(msgResultText(blk.Get("content"))),
			})
		case "image":
			unsupported = fmt.Errorf("messages: image block: %w", gateway.ErrUnsupportedContent)
			return false
		}
		return true
	})
	if unsupported != nil {
		return nil, unsupported
	}

	if text != "" || len(toolCalls) > 0 {
		msg := chatMessage{Role: role, ToolCalls: toolCalls}
		if text != "" || len(toolCalls) == 0 {
			msg.Content = jsonString(text)
		}
		out = append([]chatMessage{msg}, out...)
	}
	return out, nil
}

func msgResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	content.ForEach(func(_, blk gjson.Result) bool {
		if blk.Get("type").String() == "text" {
			text += blk.Get("text").String()
		}
		return true
	})
	return text
}

func msgLowerTools(tools gjson.Result) json.RawMessage {
	var out []map[string]any
	tools.ForEach(func(_, t gjson.Result) bool {
		fn := map[string]any{"name": t.Get("name").String()}
		if d := t.Get("description"); d.Exists() {
			fn["description"] = d.String()
		}
		if s := t.Get("input_schema"); s.Exists() {
			fn["parameters"] = json.RawMessage(s.Raw)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
		return true
	})
	b, _ := json.Marshal(out)
	return b
}

func msgLowerToolChoice(tc gjson.Result) json.RawMessage {
	switch tc.Get("type").String() {
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Get("name").String()},
		})
		return b
	default:
		return json.RawMessage(`"auto"`)
	}
}

// msgEncodeRequest raises a chat-shaped request into the Anthropic wire form.
func msgEncodeRequest(req *chatRequest, b *Binding) ([]byte, error) {
	out := map[string]any{
		"model":      b.Model,
		"max_tokens": msgDefaultMaxTokens,
	}
	if req.MaxTokens != nil {
		out["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		out["stop_sequences"] = stopList(req.Stop)
	}
	if b.Stream {
		out["stream"] = true
	}

	var system string
	var msgs []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system += textOf(m.Content)
		case "tool":
			msgs = append(msgs, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     textOf(m.Content),
				}},
			})
		case "assistant":
			var blocks []map[string]any
			if text := textOf(m.Content); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": json.RawMessage(argsOrEmpty(tc.Function.Arguments)),
				})
			}
			if len(blocks) > 0 {
				msgs = append(msgs, map[string]any{"role": "assistant", "content": blocks})
			}
		default:
			content, err := msgContentBlocks(m.Content)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, map[string]any{"role": "user", "content": content})
		}
	}
	if system != "" {
		out["system"] = system
	}
	out["messages"] = msgs

	if len(req.Tools) > 0 {
		out["tools"] = msgRaiseTools(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		if tc := msgRaiseToolChoice(req.ToolChoice); tc != nil {
			out["tool_choice"] = tc
		}
	}
	return json.Marshal(out)
}

// msgContentBlocks raises a chat user content field (string or part array)
// into Anthropic content. Data-URL images become base64 image blocks; remote
// image URLs and audio have no Anthropic equivalent and are rejected rather
// than silently dropped.
func msgContentBlocks(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var parts []contentPart
	if json.Unmarshal(raw, &parts) != nil {
		return textOf(raw), nil
	}

	var blocks []map[string]any
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			media, data, ok := splitDataURL(p.ImageURL.URL)
			if !ok {
				return nil, fmt.Errorf("messages: image_url must be a base64 data URL: %w", gateway.ErrUnsupportedContent)
			}
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": media,
					"data":       data,
				},
			})
		case "input_audio":
			return nil, fmt.Errorf("messages: input_audio part: %w", gateway.ErrUnsupportedContent)
		}
	}
	if blocks == nil {
		return "", nil
	}
	return blocks, nil
}

// argsOrEmpty guards against empty tool arguments, which must still serialize
// as a JSON object on the Anthropic wire.
func argsOrEmpty(args string) string {
	if args == "" || !json.Valid([]byte(args)) {
		return "{}"
	}
	return args
}

// stopList normalizes the chat stop field (string or array) to an array.
func stopList(raw json.RawMessage) []string {
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

func msgRaiseTools(raw json.RawMessage) []map[string]any {
	var out []map[string]any
	gjson.ParseBytes(raw).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		tool := map[string]any{"name": fn.Get("name").String()}
		if d := fn.Get("description"); d.Exists() {
			tool["description"] = d.String()
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool["input_schema"] = json.RawMessage(p.Raw)
		} else {
			tool["input_schema"] = map[string]any{"type": "object"}
		}
		out = append(out, tool)
		return true
	})
	return out
}

func msgRaiseToolChoice(raw json.RawMessage) map[string]any {
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String && r.String() == "required":
		return map[string]any{"type": "any"}
	case r.Type == gjson.String && r.String() == "none":
		return nil
	case r.IsObject():
		return map[string]any{"type": "tool", "name": r.Get("function.name").String()}
	default:
		return map[string]any{"type": "auto"}
	}
}

// msgDecodeResponse parses a buffered Anthropic response into the snapshot
// form.
func msgDecodeResponse(body []byte, _ *Binding) (*snapshotState, error) {
	r := gjson.ParseBytes(body)
	s := &snapshotState{
		ID:     r.Get("id").String(),
		Model:  r.Get("model").String(),
		Finish: msgFinishReason(r.Get("stop_reason").String()),
	}
	r.Get("content").ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			s.Content.WriteString(blk.Get("text").String())
		case "tool_use":
			s.Tools = append(s.Tools, chatToolCall{
				ID:   blk.Get("id").String(),
				Type: "function",
				Function: chatFunction{
					Name:      blk.Get("name").String(),
					Arguments: blk.Get("input").Raw,
				},
			})
		}
		return true
	})
	if u := r.Get("usage"); u.Exists() {
		s.Usage = &usageCounts{
			Prompt:     int(u.Get("input_tokens").Int()),
			Completion: int(u.Get("output_tokens").Int()),
			CachedRead: int(u.Get("cache_read_input_tokens").Int()),
			CacheWrite: int(u.Get("cache_creation_input_tokens").Int()),
		}
	}
	return s, nil
}

// msgEncodeResponse serializes a snapshot as a buffered Anthropic response.
func msgEncodeResponse(s *snapshotState, b *Binding) ([]byte, error) {
	var content []map[string]any
	if s.Content.Len() > 0 {
		content = append(content, map[string]any{"type": "text", "text": s.Content.String()})
	}
	for _, tc := range s.Tools {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": json.RawMessage(argsOrEmpty(tc.Function.Arguments)),
		})
	}
	if content == nil {
		content = []map[string]any{}
	}
	out := map[string]any{
		"id":          msgID(s, b),
		"type":        "message",
		"role":        "assistant",
		"model":       b.Alias,
		"content":     content,
		"stop_reason": msgStopReason(s.Finish),
	}
	if s.Usage != nil {
		out["usage"] = msgUsageJSON(s.Usage)
	}
	return json.Marshal(out)
}

func msgID(s *snapshotState, b *Binding) string {
	if s.ID != "" {
		return s.ID
	}
	return "msg_" + b.RequestID
}

func msgUsageJSON(u *usageCounts) map[string]any {
	out := map[string]any{
		"input_tokens":  u.Prompt,
		"output_tokens": u.Completion,
	}
	if u.CachedRead > 0 {
		out["cache_read_input_tokens"] = u.CachedRead
	}
	if u.CacheWrite > 0 {
		out["cache_creation_input_tokens"] = u.CacheWrite
	}
	return out
}

// --- MSG streaming ---

// msgStreamDecoder consumes Anthropic SSE events and emits neutral deltas.
// Anthropic indexes content blocks globally (text and tool_use share one
// sequence), so the decoder remaps tool blocks to a dense tool index.
type msgStreamDecoder struct {
	lines lineSplitter
	done  bool

	toolIdx   map[int]int // content block index -> tool index
	nextTool  int
	promptUse *usageCounts // input side arrives in message_start
}

func (d *msgStreamDecoder) feed(chunk []byte) []delta {
	var out []delta
	for _, line := range d.lines.push(chunk) {
		out = append(out, d.handleLine(line)...)
	}
	return out
}

func (d *msgStreamDecoder) close() []delta {
	if rest := d.lines.rest(); rest != "" {
		return d.handleLine(rest)
	}
	return nil
}

func (d *msgStreamDecoder) finished() bool { return d.done }

func (d *msgStreamDecoder) handleLine(line string) []delta {
	_, data, ok := ParseSSELine(line)
	if !ok || data == "" {
		return nil
	}
	r := gjson.Parse(data)
	switch r.Get("type").String() {
	case "message_start":
		u := r.Get("message.usage")
		d.promptUse = &usageCounts{
			Prompt:     int(u.Get("input_tokens").Int()),
			CachedRead: int(u.Get("cache_read_input_tokens").Int()),
			CacheWrite: int(u.Get("cache_creation_input_tokens").Int()),
		}
		return []delta{{Kind: deltaRole}}
	case "content_block_start":
		blk := r.Get("content_block")
		if blk.Get("type").String() == "tool_use" {
			if d.toolIdx == nil {
				d.toolIdx = make(map[int]int, 2)
			}
			idx := d.nextTool
			d.toolIdx[int(r.Get("index").Int())] = idx
			d.nextTool++
			return []delta{{
				Kind:  deltaToolStart,
				Index: idx,
				ID:    blk.Get("id").String(),
				Name:  blk.Get("name").String(),
			}}
		}
		return nil
	case "content_block_delta":
		dl := r.Get("delta")
		switch dl.Get("type").String() {
		case "text_delta":
			return []delta{{Kind: deltaContent, Content: dl.Get("text").String()}}
		case "input_json_delta":
			idx, ok := d.toolIdx[int(r.Get("index").Int())]
			if !ok {
				return nil
			}
			return []delta{{Kind: deltaToolArgs, Index: idx, Args: dl.Get("partial_json").String()}}
		}
		return nil
	case "message_delta":
		var out []delta
		if sr := r.Get("delta.stop_reason"); sr.Exists() && sr.Type == gjson.String {
			out = append(out, delta{Kind: deltaFinish, Finish: msgFinishReason(sr.String())})
		}
		if ot := r.Get("usage.output_tokens"); ot.Exists() {
			u := &usageCounts{Completion: int(ot.Int())}
			if d.promptUse != nil {
				u.Prompt = d.promptUse.Prompt
				u.CachedRead = d.promptUse.CachedRead
				u.CacheWrite = d.promptUse.CacheWrite
			}
			out = append(out, delta{Kind: deltaUsage, Usage: u})
		}
		return out
	case "message_stop":
		d.done = true
		return nil
	}
	return nil
}

// msgStreamEncoder renders neutral deltas as Anthropic SSE events. It tracks
// open content blocks so block boundaries are emitted where the source family
// has none.
type msgStreamEncoder struct {
	b *Binding

	started   bool
	blockIdx  int
	textOpen  bool
	toolOpen  bool
	lastUsage *usageCounts
}

func (e *msgStreamEncoder) encode(s *snapshotState, d delta) [][]byte {
	var frames [][]byte
	if !e.started && d.Kind != deltaUsage {
		e.started = true
		start, _ := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      msgID(s, e.b),
				"type":    "message",
				"role":    "assistant",
				"model":   e.b.Alias,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		frames = append(frames, sseEvent("message_start", start))
	}

	switch d.Kind {
	case deltaContent:
		if e.toolOpen {
			frames = append(frames, e.closeBlock())
		}
		if !e.textOpen {
			e.textOpen = true
			start, _ := json.Marshal(map[string]any{
				"type":          "content_block_start",
				"index":         e.blockIdx,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			frames = append(frames, sseEvent("content_block_start", start))
		}
		dl, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": e.blockIdx,
			"delta": map[string]any{"type": "text_delta", "text": d.Content},
		})
		frames = append(frames, sseEvent("content_block_delta", dl))
	case deltaToolStart:
		if e.textOpen || e.toolOpen {
			frames = append(frames, e.closeBlock())
		}
		e.toolOpen = true
		start, _ := json.Marshal(map[string]any{
			"type":  "content_block_start",
			"index": e.blockIdx,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    d.ID,
				"name":  d.Name,
				"input": map[string]any{},
			},
		})
		frames = append(frames, sseEvent("content_block_start", start))
	case deltaToolArgs:
		dl, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": e.blockIdx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": d.Args},
		})
		frames = append(frames, sseEvent("content_block_delta", dl))
	case deltaUsage:
		e.lastUsage = d.Usage
	}
	return frames
}

func (e *msgStreamEncoder) closeBlock() []byte {
	stop, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": e.blockIdx})
	e.blockIdx++
	e.textOpen = false
	e.toolOpen = false
	return sseEvent("content_block_stop", stop)
}

// finishFrames closes any open block and emits message_delta and message_stop.
func (e *msgStreamEncoder) finishFrames(s *snapshotState) [][]byte {
	var frames [][]byte
	if e.textOpen || e.toolOpen {
		frames = append(frames, e.closeBlock())
	}

	usage := map[string]any{"output_tokens": 0}
	if e.lastUsage != nil {
		usage = map[string]any{"output_tokens": e.lastUsage.Completion}
	} else if s.Usage != nil {
		usage = map[string]any{"output_tokens": s.Usage.Completion}
	}
	md, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"type": "message_delta", "stop_reason": msgStopReason(s.Finish)},
		"usage": usage,
	})
	frames = append(frames, sseEvent("message_delta", md))

	stop, _ := json.Marshal(map[string]any{"type": "message_stop"})
	frames = append(frames, sseEvent("message_stop", stop))
	return frames
}

// errorFrames closes any open block and ends a truncated stream with
// stop_reason "error".
func (e *msgStreamEncoder) errorFrames(s *snapshotState) [][]byte {
	var frames [][]byte
	if e.textOpen || e.toolOpen {
		frames = append(frames, e.closeBlock())
	}

	usage := map[string]any{"output_tokens": 0}
	if e.lastUsage != nil {
		usage = map[string]any{"output_tokens": e.lastUsage.Completion}
	} else if s.Usage != nil {
		usage = map[string]any{"output_tokens": s.Usage.Completion}
	}
	md, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"type": "message_delta", "stop_reason": "error"},
		"usage": usage,
	})
	frames = append(frames, sseEvent("message_delta", md))

	stop, _ := json.Marshal(map[string]any{"type": "message_stop"})
	frames = append(frames, sseEvent("message_stop", stop))
	return frames
}
