// Package registry maps base paths to the running streams served under them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/ingest"
	"github.com/jmylchreest/fragcache/internal/recorder"
)

// Registry errors.
var (
	ErrInvalidBasePath   = errors.New("invalid base path")
	ErrDuplicateBasePath = errors.New("base path already registered")
	ErrNotFound          = errors.New("stream not found")
)

var basePathPattern = regexp.MustCompile(`(?i)^[a-z\d_.]{1,50}$`)

// ValidBasePath reports whether name can be used as a stream base path.
func ValidBasePath(name string) bool {
	return basePathPattern.MatchString(name)
}

// Options controls which surfaces a stream is served on.
type Options struct {
	ServeHTTP bool
	ServeWS   bool
	// Key authenticates push transport clients. Empty disables authentication.
	Key string
}

// Stream is a registered cache together with its serving options.
type Stream struct {
	BasePath string
	Options  Options
	Cache    *cache.Cache
	// Gate admits one ingest source at a time across every transport.
	Gate ingest.Gate
	// Recorder is optional and must be set before the stream is served.
	Recorder *recorder.Recorder

	running    atomic.Bool
	unregister func()
}

// Running reports whether the stream is initialized and has not been reset since.
func (s *Stream) Running() bool {
	return s.running.Load()
}

// Notify tracks the running state from cache events.
func (s *Stream) Notify(e cache.Event) {
	switch e.Type {
	case cache.EventInitialized:
		s.running.Store(true)
	case cache.EventReset:
		s.running.Store(false)
	}
}

// Entry describes a registered stream.
type Entry struct {
	BasePath  string `json:"base_path"`
	Running   bool   `json:"running"`
	ServeHTTP bool   `json:"serve_http"`
	ServeWS   bool   `json:"serve_ws"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams: make(map[string]*Stream),
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// Add registers c under basePath.
func (r *Registry) Add(basePath string, c *cache.Cache, opts Options) (*Stream, error) {
	if !ValidBasePath(basePath) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBasePath, basePath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[basePath]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateBasePath, basePath)
	}

	s := &Stream{
		BasePath: basePath,
		Options:  opts,
		Cache:    c,
	}
	s.running.Store(c.Initialization() != nil)
	s.unregister = c.Register(s)
	r.streams[basePath] = s

	r.logger.Info("stream registered",
		slog.String("base_path", basePath),
		slog.Any("options", opts),
	)
	return s, nil
}

// Get returns the stream registered under basePath.
func (r *Registry) Get(basePath string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[basePath]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, basePath)
	}
	return s, nil
}

// Remove unregisters basePath and closes its cache.
func (r *Registry) Remove(basePath string) error {
	r.mu.Lock()
	s, ok := r.streams[basePath]
	delete(r.streams, basePath)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, basePath)
	}

	s.unregister()
	s.running.Store(false)
	if s.Recorder != nil {
		s.Recorder.Close()
	}
	s.Cache.Close()
	r.logger.Info("stream removed", slog.String("base_path", basePath))
	return nil
}

// List returns every registered stream ordered by base path.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.streams))
	for _, s := range r.streams {
		entries = append(entries, Entry{
			BasePath:  s.BasePath,
			Running:   s.Running(),
			ServeHTTP: s.Options.ServeHTTP,
			ServeWS:   s.Options.ServeWS,
		})
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.BasePath, b.BasePath)
	})
	return entries
}

// Streams returns every registered stream ordered by base path.
func (r *Registry) Streams() []*Stream {
	r.mu.RLock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(streams, func(a, b *Stream) int {
		return strings.Compare(a.BasePath, b.BasePath)
	})
	return streams
}

// Close removes every stream.
func (r *Registry) Close() {
	for _, s := range r.Streams() {
		// a concurrent Remove may win; ignore
		_ = r.Remove(s.BasePath)
	}
}
