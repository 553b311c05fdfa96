package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/observability"
)

// eventQueueSize bounds the events buffered for one SSE client.
const eventQueueSize = 256

// StatusEvent is the JSON payload of one SSE event.
type StatusEvent struct {
	Type       string  `json:"type"`
	BasePath   string  `json:"base_path"`
	Generation uint64  `json:"generation"`
	Mime       string  `json:"mime,omitempty"`
	VideoCodec string  `json:"video_codec,omitempty"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	Sequence   *uint64 `json:"sequence,omitempty"`
	Timestamp  float64 `json:"timestamp,omitempty"`
	Keyframe   bool    `json:"keyframe,omitempty"`
	ByteLength int     `json:"byte_length,omitempty"`
	// TotalDuration and TotalByteLength accompany segment events.
	TotalDuration   float64 `json:"total_duration,omitempty"`
	TotalByteLength uint64  `json:"total_byte_length,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func newStatusEvent(basePath string, e cache.Event, c *cache.Cache) StatusEvent {
	ev := StatusEvent{
		Type:       string(e.Type),
		BasePath:   basePath,
		Generation: e.Generation,
	}
	switch e.Type {
	case cache.EventInitialized:
		if e.Init != nil {
			ev.Mime = e.Init.Mime
			ev.VideoCodec = e.Init.VideoCodec
			ev.AudioCodec = e.Init.AudioCodec
		}
	case cache.EventSegment:
		if seg := e.Segment; seg != nil {
			sequence := seg.Sequence
			ev.Sequence = &sequence
			ev.Timestamp = seg.Timestamp.Seconds()
			ev.Keyframe = seg.Keyframe
			ev.ByteLength = seg.Size()
		}
		st := c.Status()
		ev.TotalDuration = st.TotalDuration.Seconds()
		ev.TotalByteLength = st.TotalBytes
	case cache.EventError:
		ev.Error = errString(e.Err)
	}
	return ev
}

// handleEvents streams the cache events of a stream as SSE.
func (h *StreamHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	s, err := h.registry.Get(base)
	if err != nil {
		http.Error(w, notFoundMessage(base), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	logger := observability.WithBasePath(observability.LoggerFromContext(r.Context()), base)

	// The listener runs on the ingestion path and must never block it.
	events := make(chan StatusEvent, eventQueueSize)
	unregister := s.Cache.Register(cache.ListenerFunc(func(e cache.Event) {
		select {
		case events <- newStatusEvent(base, e, s.Cache):
		default:
			logger.Warn("dropping SSE event for slow client", slog.String("event_type", string(e.Type)))
		}
	}))
	defer unregister()

	rc := http.NewResponseController(w)
	clearDeadlines(rc)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Send initial comment to establish connection and trigger onopen in browser
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		logger.Error("failed to flush initial SSE connection", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				logger.Debug("heartbeat flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
		case event := <-events:
			if err := writeSSEEvent(w, event); err != nil {
				logger.Debug("failed to write SSE event", slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes one event in a single write.
func writeSSEEvent(w http.ResponseWriter, event StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data)
	n, err := w.Write([]byte(message))
	if err != nil {
		return err
	}
	if n < len(message) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(message))
	}
	return nil
}
