package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/observability"
	"github.com/jmylchreest/fragcache/internal/registry"
)

// Socket events.
const (
	socketEventAuth           = "auth"
	socketEventMime           = "mime"
	socketEventInitialization = "initialization"
	socketEventSegment        = "segment"
	socketEventError          = "mp4frag_error"
)

// SocketConfig configures the push transport.
type SocketConfig struct {
	// HandshakeLimit is the number of upgrades allowed per client IP in
	// HandshakeWindow. Zero disables the limit.
	HandshakeLimit  int
	HandshakeWindow time.Duration
	// AuthTimeout bounds the wait for an auth message.
	AuthTimeout time.Duration
	// RejectDelay is how long a client that sent a wrong key stays connected.
	RejectDelay  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultSocketConfig returns the default push transport settings.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		HandshakeLimit:  30,
		HandshakeWindow: time.Minute,
		AuthTimeout:     10 * time.Second,
		RejectDelay:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
	}
}

// SocketRequest is a client message.
type SocketRequest struct {
	Event string `json:"event"`
	Key   string `json:"key,omitempty"`
	// Timestamp, in seconds, asks for the first segment newer than it.
	Timestamp *float64 `json:"timestamp,omitempty"`
	// All keeps following live segments after the first reply. Defaults to true.
	All *bool `json:"all,omitempty"`
}

// SocketMessage is a server envelope. Initialization and segment envelopes
// are followed by one binary frame of Size bytes.
type SocketMessage struct {
	Event     string   `json:"event"`
	OK        *bool    `json:"ok,omitempty"`
	Mime      string   `json:"mime,omitempty"`
	Size      int      `json:"size,omitempty"`
	Sequence  *uint64  `json:"sequence,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// SocketHandler serves segments over websockets.
type SocketHandler struct {
	registry *registry.Registry
	cfg      SocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewSocketHandler creates a websocket handler.
func NewSocketHandler(reg *registry.Registry, cfg SocketConfig, logger *slog.Logger) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHandler{
		registry: reg,
		cfg:      cfg,
		logger:   observability.WithComponent(logger, "socket_handler"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the websocket route behind the handshake limiter.
func (h *SocketHandler) RegisterRoutes(r chi.Router) {
	if h.cfg.HandshakeLimit <= 0 {
		r.Get(RoutePrefix+"/{base}/ws", h.handleSocket)
		return
	}
	limiter := httprate.Limit(
		h.cfg.HandshakeLimit,
		h.cfg.HandshakeWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.HandshakeWindow.Seconds())))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		}),
	)
	r.With(limiter).Get(RoutePrefix+"/{base}/ws", h.handleSocket)
}

func (h *SocketHandler) handleSocket(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	s, err := h.registry.Get(base)
	if err != nil || !s.Options.ServeWS {
		http.Error(w, notFoundMessage(base), http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sc := &socketConn{
		h:      h,
		conn:   conn,
		stream: s,
		logger: observability.WithBasePath(observability.LoggerFromContext(r.Context()), base),
	}
	sc.serve(r.Context(), r.URL.Query().Get("key"))
}

// socketConn is one websocket client. Reads happen on the serving
// goroutine; writes are serialized by writeMu.
type socketConn struct {
	h      *SocketHandler
	conn   *websocket.Conn
	stream *registry.Stream
	logger *slog.Logger

	writeMu sync.Mutex

	subMu sync.Mutex
	sub   *cache.Subscription
	wg    sync.WaitGroup
}

func (c *socketConn) serve(ctx context.Context, key string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	defer func() {
		c.cancelSubscription()
		_ = c.conn.Close()
		c.wg.Wait()
	}()

	c.logger.Debug("socket connected", slog.String("remote", c.conn.RemoteAddr().String()))

	if !c.authenticate(key) {
		return
	}

	pongWait := 2 * c.h.cfg.PingInterval
	if pongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		c.wg.Add(1)
		go c.pingLoop(ctx)
	}

	for {
		var req SocketRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.sendError("malformed request")
				continue
			}
			c.logger.Debug("socket closed", slog.String("reason", err.Error()))
			return
		}
		if pongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		c.dispatch(req)
	}
}

// authenticate accepts the query key or waits for an auth message. A client
// sending the wrong key is disconnected after RejectDelay.
func (c *socketConn) authenticate(key string) bool {
	want := c.stream.Options.Key
	if want == "" || key == want {
		return c.send(SocketMessage{Event: socketEventAuth, OK: boolPtr(true)}, nil) == nil
	}

	if err := c.send(SocketMessage{Event: socketEventAuth, OK: boolPtr(false)}, nil); err != nil {
		return false
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.AuthTimeout))
	var req SocketRequest
	err := c.conn.ReadJSON(&req)
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return false
	}
	if req.Event == socketEventAuth && req.Key == want {
		return c.send(SocketMessage{Event: socketEventAuth, OK: boolPtr(true)}, nil) == nil
	}

	c.logger.Warn("socket authentication failed", slog.String("remote", c.conn.RemoteAddr().String()))
	time.Sleep(c.h.cfg.RejectDelay)
	return false
}

func (c *socketConn) dispatch(req SocketRequest) {
	switch req.Event {
	case socketEventMime:
		is := c.stream.Cache.Initialization()
		if is == nil {
			c.sendError(fmt.Sprintf("mime not found for %s", c.stream.BasePath))
			return
		}
		_ = c.send(SocketMessage{Event: socketEventMime, Mime: is.Mime}, nil)

	case socketEventInitialization:
		is := c.stream.Cache.Initialization()
		if is == nil {
			c.sendError(fmt.Sprintf("initialization not found for %s", c.stream.BasePath))
			return
		}
		_ = c.send(SocketMessage{Event: socketEventInitialization, Size: len(is.Data)}, is.Data)

	case socketEventSegment:
		c.subscribe(req)

	case socketEventAuth:
		_ = c.send(SocketMessage{Event: socketEventAuth, OK: boolPtr(true)}, nil)

	default:
		c.sendError(fmt.Sprintf("unknown event %q", req.Event))
	}
}

// subscribe replaces the client's segment subscription. With a timestamp the
// first newer segment is sent once; otherwise the segments from the latest
// keyframe are sent and, unless All is false, live segments follow.
func (c *socketConn) subscribe(req SocketRequest) {
	c.cancelSubscription()

	follow := req.All == nil || *req.All
	opts := cache.SubscribeOptions{
		Mode:            cache.ReplayThenFuture,
		ReplayKeyframes: 1,
	}
	if req.Timestamp != nil {
		ts := time.Duration(*req.Timestamp * float64(time.Second))
		opts = cache.SubscribeOptions{Mode: cache.NextOnly, RequestedTimestamp: &ts}
		follow = false
	}

	sub, err := c.stream.Cache.Subscribe(opts)
	if err != nil {
		c.sendError(fmt.Sprintf("segment not found for %s", c.stream.BasePath))
		return
	}

	c.subMu.Lock()
	c.sub = sub
	c.subMu.Unlock()

	c.wg.Add(1)
	go c.forward(sub, follow)
}

func (c *socketConn) forward(sub *cache.Subscription, follow bool) {
	defer c.wg.Done()

	for d := range sub.Deliveries() {
		if len(d.Segments) == 0 {
			continue
		}
		last := d.Segments[len(d.Segments)-1]
		sequence := last.Sequence
		timestamp := last.Timestamp.Seconds()
		duration := d.Duration().Seconds()
		msg := SocketMessage{
			Event:     socketEventSegment,
			Size:      len(d.Data),
			Sequence:  &sequence,
			Timestamp: &timestamp,
			Duration:  &duration,
		}
		if err := c.send(msg, d.Data); err != nil {
			c.stream.Cache.Unsubscribe(sub)
			return
		}
		if !follow {
			c.stream.Cache.Unsubscribe(sub)
			return
		}
	}

	// a reset simply ends the feed
	if errors.Is(sub.Err(), cache.ErrSlowConsumer) {
		c.sendError("segment delivery fell behind")
	}
}

func (c *socketConn) cancelSubscription() {
	c.subMu.Lock()
	sub := c.sub
	c.sub = nil
	c.subMu.Unlock()
	if sub != nil {
		c.stream.Cache.Unsubscribe(sub)
	}
}

func (c *socketConn) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.h.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// send writes an envelope and, when payload is not nil, its binary frame.
func (c *socketConn) send(msg SocketMessage, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.h.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	if payload != nil {
		return c.conn.WriteMessage(websocket.BinaryMessage, payload)
	}
	return nil
}

func (c *socketConn) sendError(message string) {
	_ = c.send(SocketMessage{Event: socketEventError, Message: message}, nil)
}

func boolPtr(b bool) *bool {
	return &b
}
