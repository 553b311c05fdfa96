// Package recorder writes a stream's segments to MP4 files on disk.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/fragcache/internal/cache"
)

// Recorder errors.
var (
	ErrAlreadyRunning = errors.New("recorder already running")
	ErrNotRunning     = errors.New("recorder not running")
	ErrNoDirectory    = errors.New("recorder has no output directory")
)

// maxListedFiles bounds the completed files reported by Status.
const maxListedFiles = 64

// Mode is how a recording ends.
type Mode int

const (
	// Unlimited records until stopped.
	Unlimited Mode = iota
	// Single records one file of TimeLimit and stops.
	Single
	// Continuous starts a new file every TimeLimit.
	Continuous
)

func (m Mode) String() string {
	switch m {
	case Unlimited:
		return "unlimited"
	case Single:
		return "single"
	case Continuous:
		return "continuous"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Options configures one recording.
type Options struct {
	// PreBuffer is the number of keyframe-anchored segments written before
	// live segments. Zero starts at the next keyframe.
	PreBuffer int
	// TimeLimit bounds each file. Zero records until stopped.
	TimeLimit time.Duration
	// Repeated rotates files every TimeLimit instead of stopping.
	Repeated bool
}

// Mode derives the recording mode.
func (o Options) Mode() Mode {
	switch {
	case o.TimeLimit <= 0:
		return Unlimited
	case o.Repeated:
		return Continuous
	default:
		return Single
	}
}

// Config configures a Recorder.
type Config struct {
	Dir       string
	AutoStart bool
	Defaults  Options
	// QueueSize is the subscription queue length.
	QueueSize int
}

// RecordingStatus describes the recorder.
type RecordingStatus struct {
	Running   bool       `json:"running"`
	Mode      string     `json:"mode,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Segments  int        `json:"segments"`
	Bytes     int64      `json:"bytes"`
	Files     []string   `json:"files,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Recorder owns at most one running recording of a cache.
type Recorder struct {
	basePath string
	cache    *cache.Cache
	cfg      Config
	logger   *slog.Logger
	fileSeq  atomic.Uint64

	mu         sync.Mutex
	active     *session
	files      []string
	lastErr    error
	unregister func()
}

// New creates a recorder and subscribes it to the cache events.
func New(basePath string, c *cache.Cache, cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		basePath: basePath,
		cache:    c,
		cfg:      cfg,
		logger: logger.With(
			slog.String("component", "recorder"),
			slog.String("base_path", basePath),
		),
	}
	r.unregister = c.Register(r)
	return r
}

// Start begins a recording. Starting a running single recording pushes its
// deadline to TimeLimit from now.
func (r *Recorder) Start(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(opts)
}

func (r *Recorder) startLocked(opts Options) error {
	if r.cfg.Dir == "" {
		return ErrNoDirectory
	}

	if s := r.active; s != nil && !s.ended() {
		if s.opts.Mode() == Single && opts.Mode() == Single {
			s.extend(opts.TimeLimit)
			r.logger.Info("recording extended", slog.Duration("time_limit", opts.TimeLimit))
			return nil
		}
		return ErrAlreadyRunning
	}

	subOpts := cache.SubscribeOptions{
		Mode:            cache.ReplayThenFuture,
		ReplayKeyframes: opts.PreBuffer,
		WaitForKeyframe: true,
		QueueSize:       r.cfg.QueueSize,
	}
	if opts.PreBuffer <= 0 {
		subOpts.Mode = cache.AllFuture
		subOpts.ReplayKeyframes = 0
	}
	sub, err := r.cache.Subscribe(subOpts)
	if err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}

	s := newSession(r, sub, opts)
	r.active = s
	r.lastErr = nil
	go s.run()

	r.logger.Info("recording started",
		slog.String("mode", opts.Mode().String()),
		slog.Int("pre_buffer", opts.PreBuffer),
		slog.Duration("time_limit", opts.TimeLimit),
	)
	return nil
}

// Stop ends the running recording and waits for its file to be written.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()

	if s == nil || s.ended() {
		return ErrNotRunning
	}
	s.halt()
	<-s.done
	return nil
}

// Restart stops any running recording and starts a new one.
func (r *Recorder) Restart(opts Options) error {
	if err := r.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return r.Start(opts)
}

// Defaults returns the options used by auto start.
func (r *Recorder) Defaults() Options {
	return r.cfg.Defaults
}

// Running reports whether a recording is in progress.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && !r.active.ended()
}

// Status returns the recorder state.
func (r *Recorder) Status() RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RecordingStatus{Files: append([]string(nil), r.files...)}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	if s := r.active; s != nil {
		started, deadline, segments, written := s.progress()
		st.Running = !s.ended()
		st.Mode = s.opts.Mode().String()
		st.StartedAt = &started
		if !deadline.IsZero() {
			st.Deadline = &deadline
		}
		st.Segments = segments
		st.Bytes = written
	}
	return st
}

// Notify implements cache.Listener. An error event stops the recording; with
// AutoStart every initialization starts a new one.
func (r *Recorder) Notify(e cache.Event) {
	switch e.Type {
	case cache.EventError:
		r.mu.Lock()
		s := r.active
		r.mu.Unlock()
		if s != nil {
			s.halt()
		}

	case cache.EventInitialized:
		if !r.cfg.AutoStart {
			return
		}
		r.mu.Lock()
		err := r.startLocked(r.cfg.Defaults)
		r.mu.Unlock()
		if err != nil && !errors.Is(err, ErrAlreadyRunning) {
			r.logger.Warn("auto start failed", slog.String("error", err.Error()))
		}
	}
}

// Close stops any recording and detaches from the cache.
func (r *Recorder) Close() {
	r.unregister()
	// nothing running is fine
	_ = r.Stop()
}

// addFile lists a committed file as soon as it is on disk.
func (r *Recorder) addFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.files = append(r.files, path)
	if len(r.files) > maxListedFiles {
		r.files = r.files[len(r.files)-maxListedFiles:]
	}
}

// finished records the outcome of a session.
func (r *Recorder) finished(s *session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == s {
		r.lastErr = err
	}
}
