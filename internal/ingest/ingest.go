// Package ingest feeds raw fMP4 byte streams into a fragment cache.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// DefaultChunkSize is the read size used by Pump.
const DefaultChunkSize = 64 * 1024

// ErrBusy is returned when a stream already has an active source.
var ErrBusy = errors.New("stream already has an active source")

// Sink consumes stream bytes. Reset ends the stream's current lifetime.
type Sink interface {
	io.Writer
	Reset()
}

// Result summarizes one pumped stream lifetime.
type Result struct {
	Bytes    int64
	Duration time.Duration
	// Rejected counts chunks the sink refused.
	Rejected int
	// LastRejection is the sink error for the most recent refused chunk.
	LastRejection error
}

// Pump copies r into sink until EOF, a read error or context cancellation.
// A chunk the sink refuses is counted and pumping carries on: the sink has
// already reset itself and picks up again at the next initialization
// segment. The sink is reset when the source ends unless its last write was
// refused.
func Pump(ctx context.Context, r io.Reader, sink Sink) (Result, error) {
	start := time.Now()
	buf := make([]byte, DefaultChunkSize)
	var res Result
	dirty := true

	finish := func(err error) (Result, error) {
		if dirty {
			sink.Reset()
		}
		res.Duration = time.Since(start)
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			res.Bytes += int64(n)
			if _, err := sink.Write(buf[:n]); err != nil {
				res.Rejected++
				res.LastRejection = fmt.Errorf("writing to cache: %w", err)
				dirty = false
			} else {
				dirty = true
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return finish(nil)
		default:
			return finish(fmt.Errorf("reading source: %w", rerr))
		}
	}
}

// Gate admits one source at a time for a stream.
type Gate struct {
	active atomic.Bool
}

// Acquire claims the stream. It returns ErrBusy if another source holds it.
func (g *Gate) Acquire() (release func(), err error) {
	if !g.active.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() { once.Do(func() { g.active.Store(false) }) }, nil
}

// Active reports whether a source holds the stream.
func (g *Gate) Active() bool {
	return g.active.Load()
}

// ListenerConfig configures a TCP ingest listener.
type ListenerConfig struct {
	Address string
	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables the timeout.
	IdleTimeout time.Duration
	// MaxConns bounds accepted connections; further clients wait in the
	// backlog. Zero is unbounded.
	MaxConns int
}

// Listener accepts raw fMP4 over TCP. Each connection is one stream lifetime
// and its disconnect resets the cache. A second concurrent connection is
// refused.
type Listener struct {
	cfg    ListenerConfig
	sink   Sink
	gate   *Gate
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewListener creates a listener feeding sink. gate may be shared with other
// sources of the same stream; nil creates a private one.
func NewListener(cfg ListenerConfig, sink Sink, gate *Gate, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = &Gate{}
	}
	return &Listener{
		cfg:    cfg,
		sink:   sink,
		gate:   gate,
		logger: logger.With(slog.String("component", "ingest_listener")),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	return l.Serve(ctx, ln)
}

// Addr returns the bound address, or nil before Serve.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections on ln until ctx is done. It closes ln and waits
// for active connections before returning.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	if l.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, l.cfg.MaxConns)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("ingest listener started", slog.String("address", ln.Addr().String()))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-connCtx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			cancel()
			l.wg.Wait()
			if ctx.Err() != nil {
				l.logger.Info("ingest listener stopped")
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		release, err := l.gate.Acquire()
		if err != nil {
			l.logger.Warn("refusing ingest connection",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()),
			)
			_ = conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			// the gate is released before the connection slot frees up
			defer func() { _ = conn.Close() }()
			defer release()
			l.handle(connCtx, conn)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	logger := l.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	logger.Info("ingest connection opened")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var r io.Reader = conn
	if l.cfg.IdleTimeout > 0 {
		r = &idleReader{conn: conn, timeout: l.cfg.IdleTimeout}
	}

	res, err := Pump(ctx, r, l.sink)
	attrs := []any{
		slog.Int64("bytes", res.Bytes),
		slog.Duration("duration", res.Duration),
	}
	if res.Rejected > 0 {
		attrs = append(attrs,
			slog.Int("rejected_chunks", res.Rejected),
			slog.String("last_rejection", res.LastRejection.Error()),
		)
	}
	if err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("ingest connection failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	logger.Info("ingest connection closed", attrs...)
}

// idleReader extends the read deadline before every read.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}
