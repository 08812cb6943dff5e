package transcode

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/mstiller/switchboard/internal"
)

// codec bundles one family's decode and encode halves. Translation between
// any two families composes the source's decode half with the destination's
// encode half through the chat-shaped interchange form.
type codec struct {
	decodeRequest  func([]byte) (*chatRequest, error)
	encodeRequest  func(*chatRequest, *Binding) ([]byte, error)
	decodeResponse func([]byte, *Binding) (*snapshotState, error)
	encodeResponse func(*snapshotState, *Binding) ([]byte, error)
	newStreamDec   func(*Binding) streamDecoder
	newStreamEnc   func(*Binding) streamEncoder
}

type streamDecoder interface {
	feed(chunk []byte) []delta
	close() []delta
	finished() bool
}

type streamEncoder interface {
	encode(s *snapshotState, d delta) [][]byte
	finishFrames(s *snapshotState) [][]byte
	// errorFrames terminates a truncated stream: close any open structures
	// and emit a synthetic terminal event with an error finish reason.
	errorFrames(s *snapshotState) [][]byte
}

var codecs = map[gateway.APIFamily]codec{
	gateway.FamilyChat: {
		decodeRequest:  chatDecodeRequest,
		encodeRequest:  chatEncodeRequest,
		decodeResponse: chatDecodeResponse,
		encodeResponse: chatEncodeResponse,
		newStreamDec:   func(*Binding) streamDecoder { return &chatStreamDecoder{} },
		newStreamEnc:   func(b *Binding) streamEncoder { return &chatStreamEncoder{b: b} },
	},
	gateway.FamilyResponses: {
		decodeRequest:  respDecodeRequest,
		encodeRequest:  respEncodeRequest,
		decodeResponse: respDecodeResponse,
		encodeResponse: respEncodeResponse,
		newStreamDec:   func(*Binding) streamDecoder { return &respStreamDecoder{} },
		newStreamEnc:   func(b *Binding) streamEncoder { return &respStreamEncoder{b: b} },
	},
	gateway.FamilyMessages: {
		decodeRequest:  msgDecodeRequest,
		encodeRequest:  msgEncodeRequest,
		decodeResponse: msgDecodeResponse,
		encodeResponse: msgEncodeResponse,
		newStreamDec:   func(*Binding) streamDecoder { return &msgStreamDecoder{} },
		newStreamEnc:   func(b *Binding) streamEncoder { return &msgStreamEncoder{b: b} },
	},
	gateway.FamilyGemini: {
		decodeRequest:  gemDecodeRequest,
		encodeRequest:  gemEncodeRequest,
		decodeResponse: gemDecodeResponse,
		encodeResponse: gemEncodeResponse,
		newStreamDec:   func(b *Binding) streamDecoder { return &gemStreamDecoder{b: b} },
		newStreamEnc:   func(b *Binding) streamEncoder { return &gemStreamEncoder{b: b} },
	},
}

// Request translates an inbound request body from the client's family to the
// target provider's family. Same-family requests are rewritten in place with
// sjson so fields the interchange form does not model survive untouched.
func Request(src, dst gateway.APIFamily, body []byte, b *Binding) ([]byte, error) {
	if src.Specialized() || dst.Specialized() {
		if src != dst {
			return nil, fmt.Errorf("translate %s to %s: %w", src, dst, gateway.ErrBadRequest)
		}
		return rewriteSpecialized(body, b)
	}
	if src == dst {
		return rewriteSameFamily(src, body, b)
	}

	sc, ok := codecs[src]
	if !ok {
		return nil, fmt.Errorf("translate: unknown source family %q: %w", src, gateway.ErrBadRequest)
	}
	dc := codecs[dst]
	req, err := sc.decodeRequest(body)
	if err != nil {
		return nil, err
	}
	return dc.encodeRequest(req, b)
}

// rewriteSameFamily patches model and stream without reshaping the body.
func rewriteSameFamily(family gateway.APIFamily, body []byte, b *Binding) ([]byte, error) {
	if family == gateway.FamilyGemini {
		// Gemini carries the model in the URL path, not the body.
		return body, nil
	}
	out, err := sjson.SetBytes(body, "model", b.Model)
	if err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	if b.Stream {
		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return nil, fmt.Errorf("rewrite stream: %w", err)
		}
	} else if gjson.GetBytes(out, "stream").Exists() {
		if out, err = sjson.DeleteBytes(out, "stream"); err != nil {
			return nil, fmt.Errorf("rewrite stream: %w", err)
		}
	}
	return out, nil
}

// rewriteSpecialized patches the model field of a single-shape family body.
// Multipart bodies (audio transcription uploads) pass through; their model
// form field is rewritten by the HTTP layer.
func rewriteSpecialized(body []byte, b *Binding) ([]byte, error) {
	if len(body) == 0 || body[0] != '{' {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "model", b.Model)
	if err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	return out, nil
}

// MergeExtraBody deep-merges provider extra_body keys into a JSON request
// body. Existing scalar values are overwritten; nested objects merge.
func MergeExtraBody(body []byte, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	if len(body) == 0 || body[0] != '{' {
		return body, nil
	}
	var err error
	for key, val := range extra {
		body, err = mergeValue(body, key, val)
		if err != nil {
			return nil, fmt.Errorf("merge extra_body %q: %w", key, err)
		}
	}
	return body, nil
}

func mergeValue(body []byte, path string, val any) ([]byte, error) {
	if obj, ok := val.(map[string]any); ok {
		if gjson.GetBytes(body, path).IsObject() {
			var err error
			for k, v := range obj {
				body, err = mergeValue(body, path+"."+k, v)
				if err != nil {
					return nil, err
				}
			}
			return body, nil
		}
	}
	return sjson.SetBytes(body, path, val)
}

// RequestShape is what the HTTP layer learns from an inbound body before
// routing: the requested model and whether the client asked for a stream.
type RequestShape struct {
	Model  string
	Stream bool
}

// InspectRequest extracts the model and stream flag from an inbound JSON
// body. Gemini requests carry both in the URL, so the HTTP layer fills the
// shape itself for that family.
func InspectRequest(family gateway.APIFamily, body []byte) RequestShape {
	if family == gateway.FamilyGemini {
		return RequestShape{}
	}
	return RequestShape{
		Model:  gjson.GetBytes(body, "model").String(),
		Stream: gjson.GetBytes(body, "stream").Bool(),
	}
}
