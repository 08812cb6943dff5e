package transcode

import (
	"fmt"

	gateway "github.com/mstiller/switchboard/internal"
)

// Streamer translates an upstream SSE stream into the client family's frames
// incrementally. Chunks need not align with line or event boundaries. When
// source and destination families match, upstream bytes pass through verbatim
// while the decoder taps them for accounting and the debug snapshot.
type Streamer struct {
	dec  streamDecoder
	enc  streamEncoder
	b    *Binding
	dst  gateway.APIFamily
	snap snapshotState
	tap  bool // same family: relay raw bytes, decode on the side
}

// NewStreamer builds a streaming translator from the provider family src to
// the client family dst.
func NewStreamer(src, dst gateway.APIFamily, b *Binding) (*Streamer, error) {
	sc, ok := codecs[src]
	if !ok {
		return nil, fmt.Errorf("stream: unknown family %q: %w", src, gateway.ErrBadRequest)
	}
	s := &Streamer{dec: sc.newStreamDec(b), b: b, dst: dst, tap: src == dst}
	if !s.tap {
		s.enc = codecs[dst].newStreamEnc(b)
	}
	return s, nil
}

// Feed consumes raw upstream bytes and returns complete SSE frames to write
// to the client. Each returned frame ends with a blank line.
func (s *Streamer) Feed(chunk []byte) [][]byte {
	deltas := s.dec.feed(chunk)
	for _, d := range deltas {
		s.snap.apply(d)
	}
	if s.tap {
		if len(chunk) == 0 {
			return nil
		}
		return [][]byte{chunk}
	}
	var frames [][]byte
	for _, d := range deltas {
		frames = append(frames, s.enc.encode(&s.snap, d)...)
	}
	return frames
}

// Finish flushes the decoder and returns the terminal frames. When the
// upstream ended without its terminator or left a tool call with unparseable
// arguments it reports ErrStreamTruncated, and the returned frames end the
// client stream with a synthetic error finish in the client's protocol.
func (s *Streamer) Finish() ([][]byte, error) {
	deltas := s.dec.close()
	for _, d := range deltas {
		s.snap.apply(d)
	}
	var frames [][]byte
	if !s.tap {
		for _, d := range deltas {
			frames = append(frames, s.enc.encode(&s.snap, d)...)
		}
	}

	if !s.dec.finished() || s.snap.midToolCall() {
		s.snap.Finish = "error"
		enc := s.enc
		if enc == nil {
			// Tap mode never built an encoder; the cut still needs a
			// terminal frame in the (same) client family.
			if c, ok := codecs[s.dst]; ok {
				enc = c.newStreamEnc(s.b)
			}
		}
		if enc != nil {
			frames = append(frames, enc.errorFrames(&s.snap)...)
		}
		return frames, gateway.ErrStreamTruncated
	}
	if !s.tap {
		frames = append(frames, s.enc.finishFrames(&s.snap)...)
	}
	return frames, nil
}

// Usage returns the accounting received on the stream, or nil if the
// upstream never sent usage.
func (s *Streamer) Usage() *Usage {
	return exportUsage(s.snap.Usage)
}

// FinishReason returns the finish reason observed so far, in the chat
// vocabulary, or "" if none arrived.
func (s *Streamer) FinishReason() string {
	return s.snap.Finish
}

// OutputText returns the assistant text accumulated so far, used for token
// estimation when the upstream omits usage.
func (s *Streamer) OutputText() string {
	return s.snap.Content.String()
}

// Snapshot reconstructs the stream as a buffered chat-shaped response for
// debug traces.
func (s *Streamer) Snapshot() []byte {
	body, _ := chatEncodeResponse(&s.snap, s.b)
	return body
}
