package transcode

import (
	"bytes"
	"strings"
)

const maxLineSize = 1 << 20 // 1MB per SSE line; tool arguments can be large

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false
//	""                -> ok=false
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// lineSplitter accumulates raw stream bytes and yields complete lines. The
// incremental Feed interface cannot assume chunks align with line boundaries.
// A line growing past maxLineSize without a newline is discarded through its
// terminator, bounding memory against a runaway upstream.
type lineSplitter struct {
	buf      []byte
	overflow bool
}

// push appends chunk and returns the complete lines it closed.
func (ls *lineSplitter) push(chunk []byte) []string {
	ls.buf = append(ls.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(ls.buf, '\n')
		if i < 0 {
			if len(ls.buf) > maxLineSize {
				ls.buf = ls.buf[:0]
				ls.overflow = true
			}
			return lines
		}
		if ls.overflow || i > maxLineSize {
			// The line blew the cap, or its start was already thrown away.
			ls.buf = ls.buf[i+1:]
			ls.overflow = false
			continue
		}
		line := strings.TrimSuffix(string(ls.buf[:i]), "\r")
		ls.buf = ls.buf[i+1:]
		lines = append(lines, line)
	}
}

// rest returns any unterminated trailing line.
func (ls *lineSplitter) rest() string {
	if ls.overflow {
		return ""
	}
	return strings.TrimSuffix(string(ls.buf), "\r")
}
