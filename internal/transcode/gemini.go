package transcode

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
)

// --- GEM (Google Gemini generateContent) ---
//
// Structural differences from the chat shape: contents/parts instead of
// messages, the assistant role is "model", system prompts live in
// systemInstruction, sampling knobs nest under generationConfig, and function
// calls carry no ids. Synthetic ids ("call_0", "call_1", ...) are minted per
// response so downstream families that require ids can round-trip.

func gemFinishReason(fr string, hasTools bool) string {
	if hasTools {
		return "tool_calls"
	}
	switch fr {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

func gemFinishValue(finish string) string {
	switch finish {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// gemDecodeRequest lowers a Gemini generateContent request into the chat
// shape. Function responses match back to synthesized call ids positionally
// within each content turn.
func gemDecodeRequest(body []byte) (*chatRequest, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("contents").IsArray() {
		return nil, fmt.Errorf("gemini: missing contents array: %w", gateway.ErrBadRequest)
	}

	out := &chatRequest{}

	if si := r.Get("systemInstruction.parts"); si.IsArray() {
		var text string
		si.ForEach(func(_, p gjson.Result) bool {
			text += p.Get("text").String()
			return true
		})
		if text != "" {
			out.Messages = append(out.Messages, chatMessage{Role: "system", Content: jsonString(text)})
		}
	}

	seq := &gemCallSeq{}
	var err error
	r.Get("contents").ForEach(func(_, c gjson.Result) bool {
		msgs, e := gemLowerContent(c, seq)
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
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("gemini: empty contents: %w", gateway.ErrBadRequest)
	}

	gc := r.Get("generationConfig")
	if v := gc.Get("temperature"); v.Exists() {
		f := v.Float()
		out.Temperature = &f
	}
	if v := gc.Get("topP"); v.Exists() {
		f := v.Float()
		out.TopP = &f
	}
	if v := gc.Get("maxOutputTokens"); v.Exists() {
		n := int(v.Int())
		out.MaxTokens = &n
	}
	if v := gc.Get("stopSequences"); v.Exists() {
		out.Stop = json.RawMessage(v.Raw)
	}
	if decls := r.Get("tools.0.functionDeclarations"); decls.IsArray() {
		out.Tools = gemLowerTools(decls)
	}
	return out, nil
}

// gemCallSeq mints synthetic ids for function calls and matches function
// responses back to them positionally, since Gemini carries no ids.
type gemCallSeq struct {
	next    int
	pending []string // minted ids awaiting a functionResponse
}

func (s *gemCallSeq) mint() string {
	id := "call_" + strconv.Itoa(s.next)
	s.next++
	s.pending = append(s.pending, id)
	return id
}

func (s *gemCallSeq) match() string {
	if len(s.pending) == 0 {
		return s.mint()
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	return id
}

func gemLowerContent(c gjson.Result, seq *gemCallSeq) ([]chatMessage, error) {
	role := c.Get("role").String()
	if role == "model" {
		role = "assistant"
	}
	if role == "" {
		role = "user"
	}

	var out []chatMessage
	var text string
	var toolCalls []chatToolCall
	var unsupported error

	c.Get("parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("text").Exists():
			text += p.Get("text").String()
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			toolCalls = append(toolCalls, chatToolCall{
				ID:   seq.mint(),
				Type: "function",
				Function: chatFunction{
					Name:      fc.Get("name").String(),
					Arguments: rawOrEmpty(fc.Get("args")),
				},
			})
		case p.Get("functionResponse").Exists():
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: seq.match(),
				Content:    jsonString(p.Get("functionResponse.response").Raw),
			})
		case p.Get("inlineData").Exists() || p.Get("fileData").Exists():
			unsupported = fmt.Errorf("gemini: media part: %w", gateway.ErrUnsupportedContent)
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

func rawOrEmpty(r gjson.Result) string {
	if r.Exists() {
		return r.Raw
	}
	return "{}"
}

func gemLowerTools(decls gjson.Result) json.RawMessage {
	var out []map[string]any
	decls.ForEach(func(_, d gjson.Result) bool {
		fn := map[string]any{"name": d.Get("name").String()}
		if desc := d.Get("description"); desc.Exists() {
			fn["description"] = desc.String()
		}
		if p := d.Get("parameters"); p.Exists() {
			fn["parameters"] = json.RawMessage(p.Raw)
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
		return true
	})
	b, _ := json.Marshal(out)
	return b
}

// gemEncodeRequest raises a chat-shaped request into the Gemini wire form.
// The model name travels in the URL path, not the body, so the binding's
// model is not written here.
func gemEncodeRequest(req *chatRequest, _ *Binding) ([]byte, error) {
	out := map[string]any{}

	// Tool messages reference ids; Gemini wants the function name back.
	names := make(map[string]string)
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
		}
	}

	var system string
	var contents []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			system += textOf(m.Content)
		case "tool":
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     names[m.ToolCallID],
						"response": gemResponsePayload(textOf(m.Content)),
					},
				}},
			})
		case "assistant":
			var parts []map[string]any
			if text := textOf(m.Content); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Function.Name,
						"args": json.RawMessage(argsOrEmpty(tc.Function.Arguments)),
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "model", "parts": parts})
			}
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": textOf(m.Content)}},
			})
		}
	}
	if system != "" {
		out["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}
	out["contents"] = contents

	gc := map[string]any{}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		gc["maxOutputTokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		gc["stopSequences"] = stopList(req.Stop)
	}
	if len(gc) > 0 {
		out["generationConfig"] = gc
	}

	if len(req.Tools) > 0 {
		out["tools"] = []map[string]any{{"functionDeclarations": gemRaiseTools(req.Tools)}}
	}
	return json.Marshal(out)
}

// gemResponsePayload wraps a tool result so it is always a JSON object, which
// Gemini requires of functionResponse.response.
func gemResponsePayload(text string) any {
	if json.Valid([]byte(text)) && len(text) > 0 && text[0] == '{' {
		return json.RawMessage(text)
	}
	return map[string]any{"result": text}
}

func gemRaiseTools(raw json.RawMessage) []map[string]any {
	var out []map[string]any
	gjson.ParseBytes(raw).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		decl := map[string]any{"name": fn.Get("name").String()}
		if d := fn.Get("description"); d.Exists() {
			decl["description"] = d.String()
		}
		if p := fn.Get("parameters"); p.Exists() {
			decl["parameters"] = json.RawMessage(p.Raw)
		}
		out = append(out, decl)
		return true
	})
	return out
}

// gemDecodeResponse parses a buffered Gemini response into the snapshot form.
func gemDecodeResponse(body []byte, b *Binding) (*snapshotState, error) {
	r := gjson.ParseBytes(body)
	s := &snapshotState{Model: r.Get("modelVersion").String()}

	cand := r.Get("candidates.0")
	callSeq := 0
	cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("text").Exists():
			s.Content.WriteString(p.Get("text").String())
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			id := "call_" + strconv.Itoa(callSeq)
			callSeq++
			b.rememberTool(id, fc.Get("name").String())
			s.Tools = append(s.Tools, chatToolCall{
				ID:   id,
				Type: "function",
				Function: chatFunction{
					Name:      fc.Get("name").String(),
					Arguments: rawOrEmpty(fc.Get("args")),
				},
			})
		}
		return true
	})
	s.Finish = gemFinishReason(cand.Get("finishReason").String(), len(s.Tools) > 0)

	if u := r.Get("usageMetadata"); u.Exists() {
		s.Usage = &usageCounts{
			Prompt:     int(u.Get("promptTokenCount").Int()),
			Completion: int(u.Get("candidatesTokenCount").Int()),
			CachedRead: int(u.Get("cachedContentTokenCount").Int()),
		}
	}
	return s, nil
}

// gemEncodeResponse serializes a snapshot as a buffered Gemini response.
func gemEncodeResponse(s *snapshotState, b *Binding) ([]byte, error) {
	var parts []map[string]any
	if s.Content.Len() > 0 {
		parts = append(parts, map[string]any{"text": s.Content.String()})
	}
	for _, tc := range s.Tools {
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Function.Name,
				"args": json.RawMessage(argsOrEmpty(tc.Function.Arguments)),
			},
		})
	}
	if parts == nil {
		parts = []map[string]any{{"text": ""}}
	}
	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": gemFinishValue(s.Finish),
			"index":        0,
		}},
		"modelVersion": b.Alias,
	}
	if s.Usage != nil {
		out["usageMetadata"] = gemUsageJSON(s.Usage)
	}
	return json.Marshal(out)
}

func gemUsageJSON(u *usageCounts) map[string]any {
	out := map[string]any{
		"promptTokenCount":     u.Prompt,
		"candidatesTokenCount": u.Completion,
		"totalTokenCount":      u.Prompt + u.Completion,
	}
	if u.CachedRead > 0 {
		out["cachedContentTokenCount"] = u.CachedRead
	}
	return out
}

// --- GEM streaming ---

// gemStreamDecoder consumes streamGenerateContent SSE chunks. Each chunk is a
// full GenerateContentResponse; there is no terminator frame, so the stream is
// finished once a finishReason arrives.
type gemStreamDecoder struct {
	lines   lineSplitter
	b       *Binding
	done    bool
	started bool
	toolSeq int
}

func (d *gemStreamDecoder) feed(chunk []byte) []delta {
	var out []delta
	for _, line := range d.lines.push(chunk) {
		out = append(out, d.handleLine(line)...)
	}
	return out
}

func (d *gemStreamDecoder) close() []delta {
	if rest := d.lines.rest(); rest != "" {
		return d.handleLine(rest)
	}
	return nil
}

func (d *gemStreamDecoder) finished() bool { return d.done }

func (d *gemStreamDecoder) handleLine(line string) []delta {
	_, data, ok := ParseSSELine(line)
	if !ok || data == "" {
		return nil
	}
	r := gjson.Parse(data)
	var out []delta
	if !d.started {
		d.started = true
		out = append(out, delta{Kind: deltaRole})
	}

	cand := r.Get("candidates.0")
	cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("text").Exists():
			out = append(out, delta{Kind: deltaContent, Content: p.Get("text").String()})
		case p.Get("functionCall").Exists():
			// Gemini streams whole function calls, never partial args.
			fc := p.Get("functionCall")
			id := "call_" + strconv.Itoa(d.toolSeq)
			if d.b != nil {
				d.b.rememberTool(id, fc.Get("name").String())
			}
			out = append(out,
				delta{Kind: deltaToolStart, Index: d.toolSeq, ID: id, Name: fc.Get("name").String()},
				delta{Kind: deltaToolArgs, Index: d.toolSeq, Args: rawOrEmpty(fc.Get("args"))},
			)
			d.toolSeq++
		}
		return true
	})

	if fr := cand.Get("finishReason"); fr.Exists() && fr.Type == gjson.String {
		d.done = true
		out = append(out, delta{Kind: deltaFinish, Finish: gemFinishReason(fr.String(), d.toolSeq > 0)})
	}
	if u := r.Get("usageMetadata"); u.Exists() && u.Get("candidatesTokenCount").Exists() {
		out = append(out, delta{Kind: deltaUsage, Usage: &usageCounts{
			Prompt:     int(u.Get("promptTokenCount").Int()),
			Completion: int(u.Get("candidatesTokenCount").Int()),
			CachedRead: int(u.Get("cachedContentTokenCount").Int()),
		}})
	}
	return out
}

// gemStreamEncoder renders neutral deltas as streamGenerateContent SSE
// frames. Tool argument fragments buffer until complete; Gemini has no
// partial-args representation.
type gemStreamEncoder struct {
	b *Binding

	pendName map[int]string
	pendArgs map[int]string
	usage    *usageCounts
}

func (e *gemStreamEncoder) encode(_ *snapshotState, d delta) [][]byte {
	switch d.Kind {
	case deltaContent:
		return [][]byte{sseData(gemChunk(e.b.Alias, map[string]any{"text": d.Content}, ""))}
	case deltaToolStart:
		if e.pendName == nil {
			e.pendName = make(map[int]string, 2)
			e.pendArgs = make(map[int]string, 2)
		}
		e.pendName[d.Index] = d.Name
		e.pendArgs[d.Index] = ""
	case deltaToolArgs:
		e.pendArgs[d.Index] += d.Args
		if json.Valid([]byte(e.pendArgs[d.Index])) {
			part := map[string]any{
				"functionCall": map[string]any{
					"name": e.pendName[d.Index],
					"args": json.RawMessage(argsOrEmpty(e.pendArgs[d.Index])),
				},
			}
			delete(e.pendName, d.Index)
			delete(e.pendArgs, d.Index)
			return [][]byte{sseData(gemChunk(e.b.Alias, part, ""))}
		}
	case deltaUsage:
		e.usage = d.Usage
	}
	return nil
}

// finishFrames flushes any buffered calls and emits the terminal chunk
// carrying finishReason and usage.
func (e *gemStreamEncoder) finishFrames(s *snapshotState) [][]byte {
	var frames [][]byte
	for idx, name := range e.pendName {
		part := map[string]any{
			"functionCall": map[string]any{
				"name": name,
				"args": json.RawMessage(argsOrEmpty(e.pendArgs[idx])),
			},
		}
		frames = append(frames, sseData(gemChunk(e.b.Alias, part, "")))
	}

	final := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []any{}},
			"finishReason": gemFinishValue(s.Finish),
			"index":        0,
		}},
		"modelVersion": e.b.Alias,
	}
	usage := e.usage
	if usage == nil {
		usage = s.Usage
	}
	if usage != nil {
		final["usageMetadata"] = gemUsageJSON(usage)
	}
	b, _ := json.Marshal(final)
	frames = append(frames, sseData(b))
	return frames
}

// errorFrames ends a truncated stream with a finishReason OTHER chunk.
// Buffered incomplete calls are dropped; their args never parsed.
func (e *gemStreamEncoder) errorFrames(s *snapshotState) [][]byte {
	final := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []any{}},
			"finishReason": "OTHER",
			"index":        0,
		}},
		"modelVersion": e.b.Alias,
	}
	usage := e.usage
	if usage == nil {
		usage = s.Usage
	}
	if usage != nil {
		final["usageMetadata"] = gemUsageJSON(usage)
	}
	b, _ := json.Marshal(final)
	return [][]byte{sseData(b)}
}

// gemChunk builds one streaming GenerateContentResponse payload.
func gemChunk(model string, part map[string]any, finish string) []byte {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": []map[string]any{part}},
		"index":   0,
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	out := map[string]any{
		"candidates":   []map[string]any{cand},
		"modelVersion": model,
	}
	b, _ := json.Marshal(out)
	return b
}
