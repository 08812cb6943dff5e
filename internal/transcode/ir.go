// Package transcode translates requests and responses between the four
// conversational wire families (OpenAI chat, OpenAI responses, Anthropic
// messages, Google Gemini) plus the specialized single-shape families.
//
// The OpenAI chat shape is the internal interchange form: every family
// decodes into it and encodes out of it, and the dense family-pair table in
// request.go composes those halves. Streaming uses the same hub: source
// events become neutral deltas, destination encoders turn deltas into wire
// frames.
package transcode

import (
	"encoding/json"
	"strings"
)

// Binding carries per-request translation state between the request and
// response halves: the rewritten model, the stream flag, and tool-call ids
// synthesized for families (Gemini) that do not carry their own.
type Binding struct {
	Model     string // upstream model id written into the outbound body
	Alias     string // client-requested model, echoed back in responses
	Stream    bool
	RequestID string

	// toolIDs maps synthesized ids back to function names so Gemini tool
	// results round-trip. Populated on response translation.
	toolIDs map[string]string
}

// rememberTool records a synthesized tool-call id.
func (b *Binding) rememberTool(id, name string) {
	if b.toolIDs == nil {
		b.toolIDs = make(map[string]string, 2)
	}
	b.toolIDs[id] = name
}

// toolName resolves a synthesized id back to the function name, defaulting to
// the id itself for families whose ids are real.
func (b *Binding) toolName(id string) string {
	if n, ok := b.toolIDs[id]; ok {
		return n
	}
	return id
}

// --- Chat-shaped interchange request ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  json.RawMessage `json:"stream_options,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// contentPart is one element of an OpenAI multimodal content array.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	InputAudio *struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	} `json:"input_audio,omitempty"`
}

// textOf flattens a content field (raw string or part array) to plain text.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []contentPart
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// splitDataURL splits "data:<media>;base64,<payload>" into its parts.
func splitDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(meta, ";base64")
	if !found {
		return "", "", false
	}
	return mediaType, payload, true
}

// jsonString marshals s as a JSON string literal.
func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// --- Neutral streaming deltas ---

// deltaKind enumerates the events a source stream decoder can produce.
type deltaKind int

const (
	deltaRole deltaKind = iota
	deltaContent
	deltaToolStart // new tool call: ID + Name set
	deltaToolArgs  // partial arguments for the tool at Index
	deltaFinish    // Finish set (OpenAI finish_reason vocabulary)
	deltaUsage     // Usage set
)

// delta is one neutral streaming event.
type delta struct {
	Kind    deltaKind
	Content string
	Index   int // tool call index
	ID      string
	Name    string
	Args    string
	Finish  string
	Usage   *usageCounts
}

// usageCounts is the neutral token accounting shape.
type usageCounts struct {
	Prompt     int
	Completion int
	CachedRead int
	CacheWrite int
}

// snapshotState accumulates deltas into a complete chat-shaped response.
// The reconstructed snapshot backs debug traces and usage accounting when the
// upstream omits a final usage event.
type snapshotState struct {
	ID      string
	Model   string
	Content strings.Builder
	Tools   []chatToolCall // arguments accumulate in order
	Finish  string
	Usage   *usageCounts
}

func (s *snapshotState) apply(d delta) {
	switch d.Kind {
	case deltaContent:
		s.Content.WriteString(d.Content)
	case deltaToolStart:
		for len(s.Tools) <= d.Index {
			s.Tools = append(s.Tools, chatToolCall{Type: "function"})
		}
		s.Tools[d.Index].ID = d.ID
		s.Tools[d.Index].Function.Name = d.Name
	case deltaToolArgs:
		for len(s.Tools) <= d.Index {
			s.Tools = append(s.Tools, chatToolCall{Type: "function"})
		}
		s.Tools[d.Index].Function.Arguments += d.Args
	case deltaFinish:
		s.Finish = d.Finish
	case deltaUsage:
		s.Usage = d.Usage
	}
}

// midToolCall reports whether the last tool call has incomplete arguments,
// used to classify a truncated upstream stream.
func (s *snapshotState) midToolCall() bool {
	if s.Finish != "" {
		return false
	}
	for _, t := range s.Tools {
		if !json.Valid([]byte(t.Function.Arguments)) {
			return true
		}
	}
	return false
}
