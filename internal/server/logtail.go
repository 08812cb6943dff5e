package server

import (
	"net/http"
	"sync"
)

const (
	tailSubscriberBuf = 64
	tailRingSize      = 256
)

// LogTail is an io.Writer that fans complete log lines out to SSE
// subscribers. It sits behind the process slog handler via io.MultiWriter, so
// every line the gateway logs is also available on the admin tail. A short
// ring replays recent lines to new subscribers; slow subscribers drop lines
// rather than block logging.
type LogTail struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
	ring [][]byte
	next int
}

// NewLogTail creates a LogTail.
func NewLogTail() *LogTail {
	return &LogTail{
		subs: make(map[chan []byte]struct{}),
		ring: make([][]byte, 0, tailRingSize),
	}
}

// Write implements io.Writer. p is one complete log line.
func (t *LogTail) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	t.mu.Lock()
	if len(t.ring) < tailRingSize {
		t.ring = append(t.ring, line)
	} else {
		t.ring[t.next] = line
		t.next = (t.next + 1) % tailRingSize
	}
	for ch := range t.subs {
		select {
		case ch <- line:
		default: // subscriber too slow, drop
		}
	}
	t.mu.Unlock()
	return len(p), nil
}

// subscribe registers a channel and returns the ring replay in order.
func (t *LogTail) subscribe(ch chan []byte) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[ch] = struct{}{}
	replay := make([][]byte, 0, len(t.ring))
	replay = append(replay, t.ring[t.next:]...)
	replay = append(replay, t.ring[:t.next]...)
	return replay
}

func (t *LogTail) unsubscribe(ch chan []byte) {
	t.mu.Lock()
	delete(t.subs, ch)
	t.mu.Unlock()
}

// handleLogs streams the log tail as SSE, one event per log line.
func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, tailSubscriberBuf)
	replay := s.deps.LogTail.subscribe(ch)
	defer s.deps.LogTail.unsubscribe(ch)

	writeLine := func(line []byte) bool {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		// Log lines end with \n; adding one more terminates the SSE frame.
		if _, err := w.Write(line); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, line := range replay {
		if !writeLine(line) {
			return
		}
	}
	for {
		select {
		case line := <-ch:
			if !writeLine(line) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
