package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/fragcache/internal/fmp4"
)

// Subscription end reasons.
var (
	ErrReset        = errors.New("stream reset")
	ErrSlowConsumer = errors.New("subscriber queue full")
	ErrUnsubscribed = errors.New("unsubscribed")
)

// DefaultQueueSize is the per-subscriber delivery queue length.
const DefaultQueueSize = 64

// Mode selects what a subscriber receives.
type Mode int

const (
	// NextOnly delivers a single segment and ends.
	NextOnly Mode = iota
	// AllFuture delivers every segment appended after subscribing.
	AllFuture
	// ReplayThenFuture delivers buffered history as one batch, then follows.
	ReplayThenFuture
)

func (m Mode) String() string {
	switch m {
	case NextOnly:
		return "next-only"
	case AllFuture:
		return "all-future"
	case ReplayThenFuture:
		return "replay-then-future"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the lifecycle state of a subscription.
type State int32

const (
	AwaitingFirstSend State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingFirstSend:
		return "awaiting_first_send"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Mode Mode
	// RequestedTimestamp, when set, is satisfied by the buffered segments whose
	// timestamp is greater than it.
	RequestedTimestamp *time.Duration
	// ReplayKeyframes picks where a replay starts: the n-th most recent
	// keyframe, or the oldest retained keyframe when zero.
	ReplayKeyframes int
	// IncludeInit prefixes the first delivery with the initialization segment.
	IncludeInit bool
	// WaitForKeyframe skips live segments until the first keyframe.
	WaitForKeyframe bool
	// QueueSize overrides the fan-out's default queue length.
	QueueSize int
}

// Delivery is one payload handed to a subscriber.
type Delivery struct {
	// Data is the concatenation of the optional initialization segment and
	// every segment in Segments. It must not be modified.
	Data     []byte
	Segments []Segment
	Init     bool
	Replay   bool
}

// Duration sums the durations of the delivered segments.
func (d Delivery) Duration() time.Duration {
	var total time.Duration
	for _, s := range d.Segments {
		total += s.Duration
	}
	return total
}

// Subscription is one consumer of segment deliveries. Deliveries are
// buffered; the channel is closed when the subscription ends, after which
// Err reports why.
type Subscription struct {
	ID        string
	Mode      Mode
	CreatedAt time.Time

	generation uint64
	init       *fmp4.InitSegment

	mu        sync.Mutex
	queue     chan Delivery
	done      chan struct{}
	state     State
	err       error
	lastSeq   uint64
	hasLast   bool
	needInit  bool
	needKey   bool
	delivered int
}

// Deliveries returns the receive side of the delivery queue.
func (s *Subscription) Deliveries() <-chan Delivery {
	return s.queue
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the end reason: nil while open or after a completed next-only
// delivery.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delivered returns the number of deliveries queued so far.
func (s *Subscription) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Initialization returns the initialization segment of the subscription's generation.
func (s *Subscription) Initialization() *fmp4.InitSegment {
	return s.init
}

// Generation returns the window generation the subscription is bound to.
func (s *Subscription) Generation() uint64 {
	return s.generation
}

// offerLocked queues segs as one delivery. It reports false once the
// subscription is closed.
func (s *Subscription) offerLocked(segs []Segment, replay bool) bool {
	if s.state == Closed {
		return false
	}

	d := Delivery{Segments: segs, Replay: replay}
	parts := make([][]byte, 0, len(segs)+1)
	if s.needInit {
		parts = append(parts, s.init.Data)
		d.Init = true
	}
	for _, seg := range segs {
		parts = append(parts, seg.Data)
	}
	d.Data = join(parts)

	select {
	case s.queue <- d:
	default:
		s.closeLocked(ErrSlowConsumer)
		return false
	}

	s.needInit = false
	s.delivered++
	s.lastSeq = segs[len(segs)-1].Sequence
	s.hasLast = true

	if s.Mode == NextOnly {
		s.closeLocked(nil)
		return false
	}
	s.state = Streaming
	return true
}

func (s *Subscription) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Subscription) closeLocked(reason error) {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.err = reason
	close(s.queue)
	close(s.done)
}

// join avoids a copy for the common single-part case.
func join(parts [][]byte) []byte {
	if len(parts) == 1 {
		return parts[0]
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Fanout delivers segments from a Window to subscribers without ever
// blocking the publisher.
type Fanout struct {
	window    *Window
	queueSize int
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewFanout creates a fan-out reading history from window.
func NewFanout(window *Window, queueSize int, logger *slog.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		window:    window,
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe registers a consumer. Any replay due is queued before it returns.
func (f *Fanout) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// holding f.mu orders the snapshot against segment notifications
	snap := f.window.Snapshot(0)
	if snap.Init == nil {
		return nil, ErrNotInitialized
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = f.queueSize
	}

	sub := &Subscription{
		ID:         ulid.Make().String(),
		Mode:       opts.Mode,
		CreatedAt:  time.Now(),
		generation: snap.Generation,
		init:       snap.Init,
		queue:      make(chan Delivery, queueSize),
		done:       make(chan struct{}),
		needInit:   opts.IncludeInit,
		needKey:    opts.WaitForKeyframe,
	}
	if n := len(snap.Segments); n > 0 {
		sub.lastSeq = snap.Segments[n-1].Sequence
		sub.hasLast = true
	}

	sub.mu.Lock()
	open := true
	if replay := f.replay(snap, opts); len(replay) > 0 {
		open = sub.offerLocked(replay, true)
		sub.needKey = false
	}
	sub.mu.Unlock()

	if open {
		f.subs[sub.ID] = sub
	}

	f.logger.Debug("subscriber added",
		slog.String("subscriber_id", sub.ID),
		slog.String("mode", opts.Mode.String()),
		slog.Uint64("generation", sub.generation),
	)

	return sub, nil
}

// replay selects the buffered segments due immediately.
func (f *Fanout) replay(snap Snapshot, opts SubscribeOptions) []Segment {
	if opts.RequestedTimestamp != nil {
		for i, seg := range snap.Segments {
			if seg.Timestamp > *opts.RequestedTimestamp {
				if opts.Mode == NextOnly {
					return snap.Segments[i : i+1]
				}
				return snap.Segments[i:]
			}
		}
		return nil
	}

	if opts.Mode != ReplayThenFuture {
		return nil
	}

	allKeys := snap.Init.AllKeyframes()
	start := -1
	count := 0
	for i := len(snap.Segments) - 1; i >= 0; i-- {
		if opts.ReplayKeyframes > 0 && count >= opts.ReplayKeyframes {
			break
		}
		if allKeys || snap.Segments[i].Keyframe {
			start = i
			count++
		}
	}
	if start < 0 {
		return nil
	}
	return snap.Segments[start:]
}

// Unsubscribe ends a subscription. Unknown ids are ignored.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()

	if ok {
		sub.close(ErrUnsubscribed)
		f.logger.Debug("subscriber removed", slog.String("subscriber_id", id))
	}
}

// Len returns the number of open subscriptions.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Notify implements Listener.
func (f *Fanout) Notify(e Event) {
	switch e.Type {
	case EventSegment:
		f.deliver(e.Generation, *e.Segment)
	case EventInitialized, EventReset:
		f.closeBefore(e.Generation, ErrReset)
	}
}

func (f *Fanout) deliver(generation uint64, seg Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		if sub.generation != generation {
			continue
		}

		sub.mu.Lock()
		switch {
		case sub.hasLast && seg.Sequence <= sub.lastSeq:
			// already part of the replay
		case sub.needKey && !seg.Keyframe:
			sub.lastSeq = seg.Sequence
			sub.hasLast = true
		default:
			sub.needKey = false
			sub.offerLocked([]Segment{seg}, false)
		}
		closed := sub.state == Closed
		reason := sub.err
		sub.mu.Unlock()

		if closed {
			delete(f.subs, id)
			if reason != nil {
				f.logger.Warn("subscriber closed",
					slog.String("subscriber_id", id),
					slog.String("reason", reason.Error()),
				)
			}
		}
	}
}

// closeBefore ends every subscription bound to an older generation.
func (f *Fanout) closeBefore(generation uint64, reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		if sub.generation < generation {
			sub.close(reason)
			delete(f.subs, id)
		}
	}
}

// CloseAll ends every subscription.
func (f *Fanout) CloseAll(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		sub.close(reason)
		delete(f.subs, id)
	}
}
