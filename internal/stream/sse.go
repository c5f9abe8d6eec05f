package stream

import (
	"fmt"
	"net/http"

	"github.com/JakeFAU/crawlwatch/internal/event"
)

var heartbeatFrame = []byte(": keepalive\n\n")

// encodeFrame renders evt as one `data: <json>\n\n` frame.
func encodeFrame(evt event.Event) ([]byte, error) {
	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", evt, err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// SetHeaders prepares an HTTP response for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// HTTPWriter writes frames to an http.ResponseWriter and flushes each one.
type HTTPWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewHTTPWriter wraps w. The caller sets headers first.
func NewHTTPWriter(w http.ResponseWriter) *HTTPWriter {
	return &HTTPWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteFrame writes and flushes one frame.
func (h *HTTPWriter) WriteFrame(frame []byte) error {
	if _, err := h.w.Write(frame); err != nil {
		return err
	}
	if err := h.rc.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
