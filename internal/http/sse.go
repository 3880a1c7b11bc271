package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// sseStream feeds bus events to an EventSource client. Each frame is named
// after the event type and numbered so browsers can tell frames apart.
type sseStream struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	seq     uint64
}

func newSSEStream(w io.Writer, flusher http.Flusher, logger *slog.Logger) *sseStream {
	return &sseStream{writer: w, flusher: flusher, log: logger}
}

// Send writes one encoded events.Event.
func (s *sseStream) Send(payload []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	frame := fmt.Sprintf("id: %d\n", s.seq)
	if head.Type != "" {
		frame += "event: " + head.Type + "\n"
	}
	return s.writeLocked(frame + "data: " + string(payload) + "\n\n")
}

// Heartbeat writes a comment frame so idle proxies keep the stream open.
func (s *sseStream) Heartbeat(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(": keepalive " + now.UTC().Format(time.RFC3339) + "\n\n")
}

func (s *sseStream) writeLocked(frame string) error {
	if s.closed {
		return io.EOF
	}
	if _, err := io.WriteString(s.writer, frame); err != nil {
		s.closed = true
		s.log.Warn("sse write failed", "error", err)
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
