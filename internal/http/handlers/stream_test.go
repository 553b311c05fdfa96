package handlers

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/recorder"
	"github.com/jmylchreest/fragcache/internal/registry"
	"github.com/jmylchreest/fragcache/internal/testutil"
)

type testEnv struct {
	reg    *registry.Registry
	stream *registry.Stream
	gen    *testutil.StreamGenerator
	router *chi.Mux
	frags  [][]byte
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSocketConfig() SocketConfig {
	cfg := DefaultSocketConfig()
	cfg.HandshakeLimit = 0
	cfg.AuthTimeout = time.Second
	cfg.RejectDelay = 10 * time.Millisecond
	cfg.PingInterval = 0
	return cfg
}

func newTestEnv(t *testing.T, opts registry.Options) *testEnv {
	t.Helper()
	return newTestEnvWithSocket(t, opts, testSocketConfig())
}

func newTestEnvWithSocket(t *testing.T, opts registry.Options, socketCfg SocketConfig) *testEnv {
	t.Helper()
	logger := discardLogger()

	reg := registry.New(logger)
	s, err := reg.Add("cam", cache.New(cache.DefaultConfig(), logger), opts)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("test", "1.0.0"))

	h := NewStreamHandler(reg, logger)
	h.SetHeartbeatInterval(time.Hour)
	h.Register(api)
	h.RegisterRoutes(router)
	NewSocketHandler(reg, socketCfg, logger).RegisterRoutes(router)

	return &testEnv{
		reg:    reg,
		stream: s,
		gen:    testutil.NewStreamGeneratorWithSeed(testutil.VideoOnly, 7),
		router: router,
	}
}

func TestRegister_SchemaNamesAreUnique(t *testing.T) {
	api := humachi.New(chi.NewRouter(), huma.DefaultConfig("test", "1.0.0"))
	reg := registry.New(discardLogger())
	t.Cleanup(reg.Close)

	require.NotPanics(t, func() {
		NewHealthHandler("test", reg).Register(api)
		NewStreamHandler(reg, discardLogger()).Register(api)
	})

	schemas := api.OpenAPI().Components.Schemas.Map()
	for _, name := range []string{"Status", "RecordingStatus", "StreamStatus", "HealthResponse"} {
		assert.Contains(t, schemas, name)
	}
}

// feed writes the initialization and n one-second keyframe fragments.
func (e *testEnv) feed(t *testing.T, n int) {
	t.Helper()
	_, err := e.stream.Cache.Write(e.gen.Init())
	require.NoError(t, err)
	e.frags = e.gen.Fragments(n, time.Second)
	for _, f := range e.frags {
		_, err := e.stream.Cache.Write(f)
		require.NoError(t, err)
	}
}

// next writes and returns the fragment following the fed ones.
func (e *testEnv) next(t *testing.T) []byte {
	t.Helper()
	n := len(e.frags)
	f := e.gen.Fragment(testutil.FragmentOptions{
		Sequence:  uint32(n + 1),
		Timestamp: time.Duration(n) * time.Second,
		Duration:  time.Second,
		Keyframe:  true,
	})
	_, err := e.stream.Cache.Write(f)
	require.NoError(t, err)
	e.frags = append(e.frags, f)
	return f
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// server starts a real listener for streaming responses.
func (e *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(e.router)
	t.Cleanup(func() {
		e.reg.Close()
		srv.Close()
	})
	return srv
}

func TestStreamHandler_ListAndGet(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true, ServeWS: true, Key: "secret"})

	rec := env.do(t, http.MethodGet, "/mp4frag", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Streams []registry.Entry `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []registry.Entry{{BasePath: "cam", ServeHTTP: true, ServeWS: true}}, list.Streams)

	rec = env.do(t, http.MethodGet, "/mp4frag/cam", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StreamStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)
	assert.Nil(t, st.Playlist)

	env.feed(t, 3)

	rec = env.do(t, http.MethodGet, "/mp4frag/cam", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st = StreamStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 3, st.Cache.SegmentCount)
	assert.Equal(t, testutil.VideoCodec, st.Cache.VideoCodec)
	require.NotNil(t, st.Playlist)
	assert.Equal(t, "/mp4frag/cam/hls.m3u8", st.Playlist.HLSPlaylist)
	assert.Equal(t, "/mp4frag/cam/ws", st.Playlist.Socket)
	assert.True(t, st.Playlist.SocketKeyed)
	assert.Nil(t, st.Recorder)

	rec = env.do(t, http.MethodGet, "/mp4frag/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandler_Playlist(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	rec := env.do(t, http.MethodGet, "/mp4frag/cam/hls.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "m3u8 not found for cam")

	env.feed(t, 3)

	rec = env.do(t, http.MethodGet, "/mp4frag/cam/hls.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypePlaylist, rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, `#EXT-X-MAP:URI="init-hls.mp4"`)
	assert.Contains(t, body, "#EXT-X-MEDIA-SEQUENCE:0\n")
	assert.Contains(t, body, "hls0.m4s")
	assert.Contains(t, body, "hls1.m4s")
	// the newest segment has no duration yet
	assert.NotContains(t, body, "hls2.m4s")

	rec = env.do(t, http.MethodGet, "/mp4frag/cam/hls.m3u8.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeText, rec.Header().Get("Content-Type"))
	assert.Equal(t, body, rec.Body.String())
}

func TestStreamHandler_ServeHTTPDisabled(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeWS: true})
	env.feed(t, 2)

	for _, path := range []string{"hls.m3u8", "init-hls.mp4", "hls1.m4s", "segments.mp4", "video.mp4"} {
		rec := env.do(t, http.MethodGet, "/mp4frag/cam/"+path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "mp4frag not found for cam", path)
	}
}

func TestStreamHandler_InitializationAndSegments(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	rec := env.do(t, http.MethodGet, "/mp4frag/cam/init-hls.mp4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.feed(t, 3)

	rec = env.do(t, http.MethodGet, "/mp4frag/cam/init-hls.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeMP4, rec.Header().Get("Content-Type"))
	assert.Equal(t, env.gen.Init(), rec.Body.Bytes())

	rec = env.do(t, http.MethodGet, "/mp4frag/cam/hls1.m4s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeSegment, rec.Header().Get("Content-Type"))
	assert.Equal(t, env.frags[1], rec.Body.Bytes())

	rec = env.do(t, http.MethodGet, "/mp4frag/cam/hls99.m4s", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "segment 99 not found for cam")

	rec = env.do(t, http.MethodGet, "/mp4frag/cam/hlsx.m4s", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandler_SegmentList(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})
	env.feed(t, 3)

	join := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

	tests := []struct {
		name   string
		query  string
		status int
		want   []byte
	}{
		{name: "everything", query: "", status: http.StatusOK, want: join(env.gen.Init(), env.frags[0], env.frags[1], env.frags[2])},
		{name: "newest without init", query: "?from=-1&init=false", status: http.StatusOK, want: env.frags[2]},
		{name: "limited", query: "?from=1&limit=1", status: http.StatusOK, want: join(env.gen.Init(), env.frags[1])},
		{name: "past the end", query: "?from=3", status: http.StatusNotFound},
		{name: "bad from", query: "?from=x", status: http.StatusBadRequest},
		{name: "bad init", query: "?init=maybe", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/mp4frag/cam/segments.mp4"+tt.query, nil)
			require.Equal(t, tt.status, rec.Code)
			if tt.want != nil {
				assert.Equal(t, tt.want, rec.Body.Bytes())
			}
		})
	}
}

func TestStreamHandler_VideoRangeRefused(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})
	env.feed(t, 2)

	req := httptest.NewRequest(http.MethodGet, "/mp4frag/cam/video.mp4", nil)
	req.Header.Set("Range", "bytes=0-1023")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "none", rec.Header().Get("Accept-Ranges"))
}

func TestStreamHandler_VideoBeforeInitialization(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	rec := env.do(t, http.MethodGet, "/mp4frag/cam/video.mp4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "initialization not found for cam")
}

func TestStreamHandler_VideoStream(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})
	env.feed(t, 3)
	srv := env.server(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mp4frag/cam/video.mp4?preBuffer=1", nil)
	require.NoError(t, err)
	// open ended ranges are answered with the live stream
	req.Header.Set("Range", "bytes=0-")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeMP4, resp.Header.Get("Content-Type"))

	readExactly := func(want []byte) {
		t.Helper()
		got := make([]byte, len(want))
		_, err := io.ReadFull(resp.Body, got)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	readExactly(env.gen.Init())
	readExactly(env.frags[2])

	live := env.next(t)
	readExactly(live)

	env.stream.Cache.Reset()
	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestStreamHandler_Ingest(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	var events []cache.EventType
	env.stream.Cache.Register(cache.ListenerFunc(func(e cache.Event) {
		events = append(events, e.Type)
	}))

	body := bytes.Join(append([][]byte{env.gen.Init()}, env.gen.Fragments(2, time.Second)...), nil)
	rec := env.do(t, http.MethodPost, "/mp4frag/cam/ingest", bytes.NewReader(body))

	require.Equal(t, http.StatusOK, rec.Code)
	var res IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(len(body)), res.Bytes)
	assert.Empty(t, res.Error)

	// the end of the upload ends the stream
	assert.Equal(t, []cache.EventType{
		cache.EventInitialized, cache.EventSegment, cache.EventSegment, cache.EventReset,
	}, events)
	assert.False(t, env.stream.Running())
	assert.False(t, env.stream.Gate.Active())
}

func TestStreamHandler_IngestMalformed(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	body := append(binary.BigEndian.AppendUint32(nil, 3), "moof"...)
	rec := env.do(t, http.MethodPost, "/mp4frag/cam/ingest", bytes.NewReader(body))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var res IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Contains(t, res.Error, "writing to cache")
	assert.Equal(t, 1, res.Rejected)
}

func TestStreamHandler_IngestBusy(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	release, err := env.stream.Gate.Acquire()
	require.NoError(t, err)
	defer release()

	rec := env.do(t, http.MethodPost, "/mp4frag/cam/ingest", bytes.NewReader(env.gen.Init()))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Nil(t, env.stream.Cache.Initialization())

	rec = env.do(t, http.MethodPost, "/mp4frag/nope/ingest", bytes.NewReader(env.gen.Init()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandler_Reset(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})
	env.feed(t, 2)

	rec := env.do(t, http.MethodPost, "/mp4frag/cam/reset", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, env.stream.Cache.Initialization())
	assert.False(t, env.stream.Running())

	rec = env.do(t, http.MethodPost, "/mp4frag/nope/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandler_Write(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})

	command := func(body string) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/mp4frag/cam/write", strings.NewReader(body))
	}

	rec := command(`{"command":"start"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no recorder configured")

	env.stream.Recorder = recorder.New("cam", env.stream.Cache, recorder.Config{Dir: t.TempDir()}, discardLogger())

	rec = command(`{"command":"start"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "not initialized")

	env.feed(t, 2)

	rec = command(`{"command":"start","pre_buffer":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st recorder.RecordingStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, recorder.Unlimited.String(), st.Mode)

	rec = command(`{"command":"start"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "already running")

	rec = command(`{"command":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	st = recorder.RecordingStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)

	rec = command(`{"command":"stop"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "not running")

	rec = command(`{"command":"rewind"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = command(`{"command":"start","pre_buffer":11}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStreamHandler_WriteWithoutDirectory(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})
	env.stream.Recorder = recorder.New("cam", env.stream.Cache, recorder.Config{}, discardLogger())

	rec := env.do(t, http.MethodPost, "/mp4frag/cam/write", strings.NewReader(`{"command":"start"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStreamHandler_Events(t *testing.T) {
	env := newTestEnv(t, registry.Options{ServeHTTP: true})
	srv := env.server(t)

	resp, err := http.Get(srv.URL + "/mp4frag/cam/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	readLine := func() string {
		t.Helper()
		require.True(t, lines.Scan(), "stream ended early")
		return lines.Text()
	}

	assert.Equal(t, ":connected", readLine())
	assert.Equal(t, "", readLine())

	env.feed(t, 1)

	assert.Equal(t, "event: initialized", readLine())
	data, ok := strings.CutPrefix(readLine(), "data: ")
	require.True(t, ok)
	var ev StatusEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "cam", ev.BasePath)
	assert.Equal(t, `video/mp4; codecs="avc1.640028"`, ev.Mime)
	assert.Equal(t, "", readLine())

	assert.Equal(t, "event: segment", readLine())
	data, ok = strings.CutPrefix(readLine(), "data: ")
	require.True(t, ok)
	ev = StatusEvent{}
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	require.NotNil(t, ev.Sequence)
	assert.Equal(t, uint64(0), *ev.Sequence)
	assert.True(t, ev.Keyframe)
	assert.Equal(t, len(env.frags[0]), ev.ByteLength)
}

func TestClampQueryInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"0", 0},
		{"3", 3},
		{"-2", 0},
		{"9", 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampQueryInt(tt.in, 0, 5, 1), tt.in)
	}
}
