package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/ingest"
	"github.com/jmylchreest/fragcache/internal/observability"
	"github.com/jmylchreest/fragcache/internal/recorder"
	"github.com/jmylchreest/fragcache/internal/registry"
)

// RoutePrefix is the path every stream is served under.
const RoutePrefix = "/mp4frag"

const (
	contentTypeMP4      = "video/mp4"
	contentTypeSegment  = "video/iso.segment"
	contentTypePlaylist = "application/vnd.apple.mpegurl"
	contentTypeText     = "text/plain; charset=utf-8"
)

// Only fully bounded ranges are refused; open-ended ranges get the live stream.
var byteRangePattern = regexp.MustCompile(`^bytes=\d+-\d+$`)

// StreamHandler serves the registered streams.
type StreamHandler struct {
	registry          *registry.Registry
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(reg *registry.Registry, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		registry:          reg,
		logger:            observability.WithComponent(logger, "stream_handler"),
		heartbeatInterval: 30 * time.Second,
	}
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *StreamHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// PlaylistPaths are the URLs a player uses for a stream.
type PlaylistPaths struct {
	HLSPlaylist  string `json:"hls_playlist,omitempty"`
	MP4Video     string `json:"mp4_video,omitempty"`
	SegmentList  string `json:"segment_list,omitempty"`
	Socket       string `json:"socket,omitempty"`
	SocketKeyed  bool   `json:"socket_keyed,omitempty"`
	EventsStream string `json:"events"`
}

// StreamStatus describes one stream.
type StreamStatus struct {
	BasePath  string                    `json:"base_path"`
	Running   bool                      `json:"running"`
	ServeHTTP bool                      `json:"serve_http"`
	ServeWS   bool                      `json:"serve_ws"`
	Playlist  *PlaylistPaths            `json:"playlist,omitempty"`
	Cache     cache.Status              `json:"cache"`
	Recorder  *recorder.RecordingStatus `json:"recorder,omitempty"`
	Ingesting bool                      `json:"ingesting"`
}

// ListStreamsInput is the input for listing streams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for listing streams.
type ListStreamsOutput struct {
	Body struct {
		Streams []registry.Entry `json:"streams"`
	}
}

// StreamInput addresses one stream.
type StreamInput struct {
	Base string `path:"base" doc:"Stream base path"`
}

// GetStreamOutput is the output for a stream's status.
type GetStreamOutput struct {
	Body StreamStatus
}

// ResetStreamOutput is the output for resetting a stream.
type ResetStreamOutput struct{}

// WriteStreamInput controls a stream's recorder.
type WriteStreamInput struct {
	Base string `path:"base" doc:"Stream base path"`
	Body struct {
		Command   string `json:"command" enum:"start,stop,restart" doc:"Recorder command"`
		PreBuffer *int   `json:"pre_buffer,omitempty" minimum:"0" maximum:"10" doc:"Keyframe-anchored segments written before live ones"`
		TimeLimit *int   `json:"time_limit,omitempty" minimum:"-1" doc:"Seconds per file, -1 records until stopped"`
		Repeated  *bool  `json:"repeated,omitempty" doc:"Rotate files every time_limit instead of stopping"`
	}
}

// WriteStreamOutput is the recorder status after the command.
type WriteStreamOutput struct {
	Body recorder.RecordingStatus
}

// Register registers the JSON routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      http.MethodGet,
		Path:        RoutePrefix,
		Summary:     "List streams",
		Description: "Returns every registered stream and whether it is running",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      http.MethodGet,
		Path:        RoutePrefix + "/{base}",
		Summary:     "Get stream",
		Description: "Returns the playlist paths, codecs and buffer state of a stream",
		Tags:        []string{"Streams"},
	}, h.GetStream)

	huma.Register(api, huma.Operation{
		OperationID:   "resetStream",
		Method:        http.MethodPost,
		Path:          RoutePrefix + "/{base}/reset",
		Summary:       "Reset stream",
		Description:   "Discards the buffered segments and ends every subscriber",
		Tags:          []string{"Streams"},
		DefaultStatus: http.StatusNoContent,
	}, h.ResetStream)

	huma.Register(api, huma.Operation{
		OperationID: "writeStream",
		Method:      http.MethodPost,
		Path:        RoutePrefix + "/{base}/write",
		Summary:     "Control recording",
		Description: "Starts, stops or restarts writing the stream to disk",
		Tags:        []string{"Streams"},
	}, h.WriteStream)
}

// RegisterRoutes registers the media routes on a chi router. These stream
// bytes directly and are not described by the API.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get(RoutePrefix+"/{base}/hls.m3u8", h.handlePlaylist(false))
	r.Get(RoutePrefix+"/{base}/hls.m3u8.txt", h.handlePlaylist(true))
	r.Get(RoutePrefix+"/{base}/init-hls.mp4", h.handleInitialization)
	r.Get(RoutePrefix+"/{base}/hls{sequence:[0-9]+}.m4s", h.handleSegment)
	r.Get(RoutePrefix+"/{base}/segments.mp4", h.handleSegmentList)
	r.Get(RoutePrefix+"/{base}/video.mp4", h.handleVideo)
	r.Post(RoutePrefix+"/{base}/ingest", h.handleIngest)
	r.Get(RoutePrefix+"/{base}/events", h.handleEvents)
}

// ListStreams returns every registered stream.
func (h *StreamHandler) ListStreams(ctx context.Context, input *ListStreamsInput) (*ListStreamsOutput, error) {
	out := &ListStreamsOutput{}
	out.Body.Streams = h.registry.List()
	return out, nil
}

// GetStream returns a stream's status.
func (h *StreamHandler) GetStream(ctx context.Context, input *StreamInput) (*GetStreamOutput, error) {
	s, err := h.registry.Get(input.Base)
	if err != nil {
		return nil, huma.Error404NotFound(notFoundMessage(input.Base))
	}

	st := StreamStatus{
		BasePath:  s.BasePath,
		Running:   s.Running(),
		ServeHTTP: s.Options.ServeHTTP,
		ServeWS:   s.Options.ServeWS,
		Cache:     s.Cache.Status(),
		Ingesting: s.Gate.Active(),
	}
	if st.Running && (s.Options.ServeHTTP || s.Options.ServeWS) {
		st.Playlist = playlistPaths(s)
	}
	if s.Recorder != nil {
		rs := s.Recorder.Status()
		st.Recorder = &rs
	}
	return &GetStreamOutput{Body: st}, nil
}

// ResetStream resets a stream's cache.
func (h *StreamHandler) ResetStream(ctx context.Context, input *StreamInput) (*ResetStreamOutput, error) {
	s, err := h.registry.Get(input.Base)
	if err != nil {
		return nil, huma.Error404NotFound(notFoundMessage(input.Base))
	}
	s.Cache.Reset()
	observability.LoggerFromContext(ctx).Info("stream reset by request", slog.String("base_path", s.BasePath))
	return &ResetStreamOutput{}, nil
}

// WriteStream runs a recorder command.
func (h *StreamHandler) WriteStream(ctx context.Context, input *WriteStreamInput) (*WriteStreamOutput, error) {
	s, err := h.registry.Get(input.Base)
	if err != nil {
		return nil, huma.Error404NotFound(notFoundMessage(input.Base))
	}
	if s.Recorder == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("writing is not configured for %s", input.Base))
	}

	opts := s.Recorder.Defaults()
	if input.Body.PreBuffer != nil {
		opts.PreBuffer = *input.Body.PreBuffer
	}
	if input.Body.TimeLimit != nil {
		opts.TimeLimit = max(time.Duration(*input.Body.TimeLimit)*time.Second, 0)
	}
	if input.Body.Repeated != nil {
		opts.Repeated = *input.Body.Repeated
	}

	switch input.Body.Command {
	case "start":
		err = s.Recorder.Start(opts)
	case "stop":
		err = s.Recorder.Stop()
	case "restart":
		err = s.Recorder.Restart(opts)
	default:
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown command %q", input.Body.Command))
	}

	switch {
	case err == nil:
	case errors.Is(err, recorder.ErrAlreadyRunning),
		errors.Is(err, recorder.ErrNotRunning),
		errors.Is(err, cache.ErrNotInitialized):
		return nil, huma.Error409Conflict(err.Error())
	case errors.Is(err, recorder.ErrNoDirectory):
		return nil, huma.Error422UnprocessableEntity(err.Error())
	default:
		return nil, huma.Error500InternalServerError("recorder command failed", err)
	}

	return &WriteStreamOutput{Body: s.Recorder.Status()}, nil
}

// lookup resolves the stream of a media route. It writes a 404 when the
// stream is unknown or not served over HTTP.
func (h *StreamHandler) lookup(w http.ResponseWriter, r *http.Request) (*registry.Stream, bool) {
	base := chi.URLParam(r, "base")
	s, err := h.registry.Get(base)
	if err != nil || !s.Options.ServeHTTP {
		http.Error(w, notFoundMessage(base), http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (h *StreamHandler) handlePlaylist(asText bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.lookup(w, r)
		if !ok {
			return
		}
		m3u8, ok := s.Cache.Playlist()
		if !ok {
			http.Error(w, fmt.Sprintf("m3u8 not found for %s", s.BasePath), http.StatusNotFound)
			return
		}
		if asText {
			w.Header().Set("Content-Type", contentTypeText)
		} else {
			w.Header().Set("Content-Type", contentTypePlaylist)
		}
		_, _ = w.Write(m3u8)
	}
}

func (h *StreamHandler) handleInitialization(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	seg := s.Cache.Initialization()
	if seg == nil {
		http.Error(w, fmt.Sprintf("initialization not found for %s", s.BasePath), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentTypeMP4)
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Data)))
	_, _ = w.Write(seg.Data)
}

func (h *StreamHandler) handleSegment(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	raw := chi.URLParam(r, "sequence")
	sequence, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("segment %s not found for %s", raw, s.BasePath), http.StatusNotFound)
		return
	}
	data, ok := s.Cache.Segment(sequence)
	if !ok {
		http.Error(w, fmt.Sprintf("segment %d not found for %s", sequence, s.BasePath), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentTypeSegment)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (h *StreamHandler) handleSegmentList(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, err := optionalInt(q.Get("from"), 0)
	if err != nil {
		http.Error(w, "from must be an integer", http.StatusBadRequest)
		return
	}
	limit, err := optionalInt(q.Get("limit"), 0)
	if err != nil {
		http.Error(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	includeInit := true
	if v := q.Get("init"); v != "" {
		if includeInit, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "init must be a boolean", http.StatusBadRequest)
			return
		}
	}

	data, ok := s.Cache.SegmentList(from, includeInit, limit)
	if !ok {
		http.Error(w, fmt.Sprintf("segments not found for %s", s.BasePath), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentTypeMP4)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// handleVideo serves the initialization segment, an optional keyframe
// anchored pre-buffer and then live segments until the client leaves or the
// stream resets.
func (h *StreamHandler) handleVideo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Accept-Ranges", "none")
	if byteRangePattern.MatchString(r.Header.Get("Range")) {
		http.Error(w, fmt.Sprintf("byte range requests not supported for %s", s.BasePath), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	preBuffer := clampQueryInt(r.URL.Query().Get("preBuffer"), 0, 5, 1)
	opts := cache.SubscribeOptions{
		Mode:            cache.ReplayThenFuture,
		ReplayKeyframes: preBuffer,
		WaitForKeyframe: true,
	}
	if preBuffer == 0 {
		opts.Mode = cache.AllFuture
	}

	sub, err := s.Cache.Subscribe(opts)
	if err != nil {
		http.Error(w, fmt.Sprintf("initialization not found for %s", s.BasePath), http.StatusNotFound)
		return
	}
	defer s.Cache.Unsubscribe(sub)

	logger := observability.WithBasePath(observability.LoggerFromContext(r.Context()), s.BasePath)
	rc := http.NewResponseController(w)
	clearDeadlines(rc)

	w.Header().Set("Content-Type", contentTypeMP4)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(sub.Initialization().Data); err != nil {
		return
	}
	_ = rc.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.Deliveries():
			if !ok {
				logger.Debug("live mp4 ended", slog.String("reason", errString(sub.Err())))
				return
			}
			if _, err := w.Write(d.Data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// IngestResult is the body returned when an ingest upload ends.
type IngestResult struct {
	Bytes    int64  `json:"bytes"`
	Duration string `json:"duration"`
	Rejected int    `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleIngest feeds the request body into the cache. The end of the body
// ends the stream's lifetime.
func (h *StreamHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	s, err := h.registry.Get(base)
	if err != nil {
		http.Error(w, notFoundMessage(base), http.StatusNotFound)
		return
	}

	release, err := s.Gate.Acquire()
	if err != nil {
		http.Error(w, fmt.Sprintf("%s: %v", base, err), http.StatusConflict)
		return
	}
	defer release()

	rc := http.NewResponseController(w)
	clearDeadlines(rc)

	logger := observability.WithBasePath(observability.LoggerFromContext(r.Context()), base)
	logger.Info("ingest upload started")

	res, err := ingest.Pump(r.Context(), r.Body, s.Cache)
	body := IngestResult{Bytes: res.Bytes, Duration: res.Duration.String(), Rejected: res.Rejected}
	if err == nil {
		err = res.LastRejection
	}
	status := http.StatusOK
	if err != nil {
		body.Error = err.Error()
		status = http.StatusUnprocessableEntity
		logger.Warn("ingest upload failed",
			slog.String("error", err.Error()),
			slog.Int64("bytes", res.Bytes),
			slog.Int("rejected_chunks", res.Rejected),
		)
	} else {
		logger.Info("ingest upload finished", slog.Int64("bytes", res.Bytes), slog.Duration("duration", res.Duration))
	}
	writeJSON(w, status, body)
}

func playlistPaths(s *registry.Stream) *PlaylistPaths {
	prefix := RoutePrefix + "/" + s.BasePath
	p := &PlaylistPaths{EventsStream: prefix + "/events"}
	if s.Options.ServeHTTP {
		p.HLSPlaylist = prefix + "/hls.m3u8"
		p.MP4Video = prefix + "/video.mp4"
		p.SegmentList = prefix + "/segments.mp4"
	}
	if s.Options.ServeWS {
		p.Socket = prefix + "/ws"
		p.SocketKeyed = s.Options.Key != ""
	}
	return p
}

func notFoundMessage(base string) string {
	return fmt.Sprintf("mp4frag not found for %s", base)
}

// clearDeadlines lifts the server timeouts for a long-lived response.
func clearDeadlines(rc *http.ResponseController) {
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
}

// clampQueryInt parses v, falling back to def when it is not a number and
// clamping it to [lo, hi].
func clampQueryInt(v string, lo, hi, def int) int {
	n, err := strconv.Atoi(v)
	switch {
	case err != nil:
		return def
	case n < lo:
		return lo
	case n > hi:
		return hi
	default:
		return n
	}
}

func optionalInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
