package recorder

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmylchreest/fragcache/internal/cache"
)

// session is one running recording. Its goroutine owns the output file.
type session struct {
	r    *Recorder
	sub  *cache.Subscription
	opts Options

	stop     chan struct{}
	stopOnce sync.Once
	extendCh chan time.Duration
	done     chan struct{}

	// owned by run
	out       output
	path      string
	waitKey   bool
	fileCount int

	mu       sync.Mutex
	started  time.Time
	deadline time.Time
	segments int
	written  int64
}

func newSession(r *Recorder, sub *cache.Subscription, opts Options) *session {
	now := time.Now()
	s := &session{
		r:        r,
		sub:      sub,
		opts:     opts,
		stop:     make(chan struct{}),
		extendCh: make(chan time.Duration, 1),
		done:     make(chan struct{}),
		started:  now,
	}
	if opts.TimeLimit > 0 {
		s.deadline = now.Add(opts.TimeLimit)
	}
	return s
}

// ended reports whether the session stopped or is stopping.
func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	case <-s.stop:
		return true
	case <-s.sub.Done():
		return true
	default:
		return false
	}
}

func (s *session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) extend(d time.Duration) {
	select {
	case s.extendCh <- d:
	default:
		// an extension is already pending
	}
}

func (s *session) progress() (started, deadline time.Time, segments int, written int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.deadline, s.segments, s.written
}

func (s *session) run() {
	defer close(s.done)

	var timer *time.Timer
	var expired <-chan time.Time
	if s.opts.TimeLimit > 0 {
		timer = time.NewTimer(s.opts.TimeLimit)
		defer timer.Stop()
		expired = timer.C
	}

	err := s.open()
	for err == nil {
		select {
		case <-s.stop:
			s.finish(s.drain())
			return

		case d := <-s.extendCh:
			if timer != nil {
				timer.Reset(d)
				s.mu.Lock()
				s.deadline = time.Now().Add(d)
				s.mu.Unlock()
			}

		case <-expired:
			if s.opts.Mode() != Continuous {
				s.finish(nil)
				return
			}
			if err = s.rotate(); err == nil {
				timer.Reset(s.opts.TimeLimit)
				s.mu.Lock()
				s.deadline = time.Now().Add(s.opts.TimeLimit)
				s.mu.Unlock()
			}

		case d, ok := <-s.sub.Deliveries():
			if !ok {
				s.finish(s.sub.Err())
				return
			}
			err = s.write(d)
		}
	}
	s.finish(err)
}

// open starts a new file with the initialization segment. Media is skipped
// until the next keyframe.
func (s *session) open() error {
	s.path = filepath.Join(s.r.cfg.Dir, fmt.Sprintf("%s_%s_%03d.mp4",
		s.r.basePath, time.Now().UTC().Format("20060102T150405Z"), s.r.fileSeq.Add(1)))

	out, err := newOutput(s.path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", s.path, err)
	}
	s.out = out
	s.fileCount = 0

	seg := s.sub.Initialization()
	if _, err := s.out.Write(seg.Data); err != nil {
		return fmt.Errorf("writing initialization: %w", err)
	}
	s.waitKey = !seg.AllKeyframes()

	s.r.logger.Debug("recording file opened", slog.String("path", s.path))
	return nil
}

func (s *session) write(d cache.Delivery) error {
	for _, seg := range d.Segments {
		if s.waitKey && !seg.Keyframe {
			continue
		}
		s.waitKey = false

		n, err := s.out.Write(seg.Data)
		if err != nil {
			return fmt.Errorf("writing segment %d: %w", seg.Sequence, err)
		}
		s.fileCount++

		s.mu.Lock()
		s.segments++
		s.written += int64(n)
		s.mu.Unlock()
	}
	return nil
}

// drain writes the deliveries already queued.
func (s *session) drain() error {
	for {
		select {
		case d, ok := <-s.sub.Deliveries():
			if !ok {
				return nil
			}
			if err := s.write(d); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *session) rotate() error {
	if err := s.commit(); err != nil {
		return err
	}
	return s.open()
}

// commit publishes the current file. A file without media is discarded.
func (s *session) commit() error {
	out := s.out
	s.out = nil
	switch {
	case out == nil:
		return nil
	case s.fileCount == 0:
		out.Discard()
		return nil
	}
	if err := out.Commit(); err != nil {
		out.Discard()
		return fmt.Errorf("committing %s: %w", s.path, err)
	}
	s.r.addFile(s.path)
	s.r.logger.Info("recording file written", slog.String("path", s.path))
	return nil
}

func (s *session) finish(reason error) {
	s.halt()
	s.r.cache.Unsubscribe(s.sub)

	if err := s.commit(); err != nil && reason == nil {
		reason = err
	}

	if reason != nil {
		s.r.logger.Warn("recording stopped", slog.String("reason", reason.Error()))
	} else {
		s.r.logger.Info("recording stopped")
	}
	s.r.finished(s, reason)
}
