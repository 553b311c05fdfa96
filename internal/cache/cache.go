package cache

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/fragcache/internal/fmp4"
	"github.com/jmylchreest/fragcache/internal/hls"
)

// Config configures a Cache.
type Config struct {
	// PlaylistSize is the number of segments listed in the playlist.
	PlaylistSize int
	// PlaylistExtra is the number of segments retained beyond the playlist.
	PlaylistExtra int
	// MaxBufferSize bounds the parser's carry-over buffer.
	MaxBufferSize int
	// SubscriberQueue is the default delivery queue length per subscriber.
	SubscriberQueue int
	// Playlist controls the URIs written into the playlist.
	Playlist hls.Options
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PlaylistSize:    DefaultPlaylistSize,
		MaxBufferSize:   fmp4.DefaultMaxBufferSize,
		SubscriberQueue: DefaultQueueSize,
		Playlist:        hls.DefaultOptions(),
	}
}

// Cache is the live fragment cache of one stream. Write must be called from
// a single ingestion goroutine at a time; every read is safe for concurrent use.
type Cache struct {
	playlistSize int
	playlistOpts hls.Options
	logger       *slog.Logger

	window *Window
	bus    *Bus
	fanout *Fanout

	// ingestMu serializes Write and Reset.
	ingestMu          sync.Mutex
	reader            *fmp4.Reader
	classifier        *fmp4.Classifier
	prematureReported bool
}

// New creates an empty cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "fragment_cache"))

	window := NewWindow(cfg.PlaylistSize, cfg.PlaylistExtra)
	c := &Cache{
		playlistSize: ClampPlaylistSize(cfg.PlaylistSize),
		playlistOpts: cfg.Playlist,
		logger:       logger,
		window:       window,
		bus:          NewBus(logger),
		fanout:       NewFanout(window, cfg.SubscriberQueue, logger),
		reader:       fmp4.NewReader(cfg.MaxBufferSize),
		classifier:   fmp4.NewClassifier(),
	}
	c.bus.Register(c.fanout)

	return c
}

// Write feeds raw stream bytes. Structural errors are reported through an
// error event, reset the cache and are returned. A media segment arriving
// before initialization is reported once and discarded.
func (c *Cache) Write(p []byte) (int, error) {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	for box, err := range c.reader.Feed(p) {
		if err != nil {
			c.failLocked(err)
			return 0, err
		}

		out, err := c.classifier.Push(box)
		switch {
		case errors.Is(err, fmp4.ErrPrematureSegment):
			if !c.prematureReported {
				c.prematureReported = true
				c.logger.Warn("discarding media before initialization", slog.String("box", box.Type))
				c.bus.Publish(Event{Type: EventError, Generation: c.window.Generation(), Err: err})
			}
			continue
		case err != nil:
			c.failLocked(err)
			return 0, err
		}

		switch {
		case out.Init != nil:
			c.initializeLocked(out.Init)
		case out.Fragment != nil:
			if err := c.appendLocked(out.Fragment); err != nil {
				c.failLocked(err)
				return 0, err
			}
		}
	}

	return len(p), nil
}

func (c *Cache) initializeLocked(seg *fmp4.InitSegment) {
	generation := c.window.SetInitialization(seg)
	c.prematureReported = false

	c.logger.Info("stream initialized",
		slog.String("mime", seg.Mime),
		slog.String("video_codec", seg.VideoCodec),
		slog.String("audio_codec", seg.AudioCodec),
		slog.Uint64("generation", generation),
	)
	c.bus.Publish(Event{Type: EventInitialized, Generation: generation, Init: seg})
}

func (c *Cache) appendLocked(f *fmp4.Fragment) error {
	seg := Segment{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Keyframe:  f.Keyframe,
		Data:      f.Data,
	}
	if err := c.window.Append(seg); err != nil {
		return err
	}

	c.logger.Debug("segment appended",
		slog.Uint64("sequence", seg.Sequence),
		slog.Duration("timestamp", seg.Timestamp),
		slog.Bool("keyframe", seg.Keyframe),
		slog.Int("size", seg.Size()),
	)
	c.bus.Publish(Event{Type: EventSegment, Generation: c.window.Generation(), Segment: &seg})
	return nil
}

func (c *Cache) failLocked(err error) {
	c.logger.Error("stream parse failed, resetting", slog.String("error", err.Error()))
	c.bus.Publish(Event{Type: EventError, Generation: c.window.Generation(), Err: err})
	c.resetLocked()
}

// Reset clears the cache and publishes a reset event.
func (c *Cache) Reset() {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()
	c.resetLocked()
}

func (c *Cache) resetLocked() {
	c.reader.Reset()
	c.classifier.Reset()
	c.prematureReported = false
	generation := c.window.Reset()

	c.logger.Info("cache reset", slog.Uint64("generation", generation))
	c.bus.Publish(Event{Type: EventReset, Generation: generation})
}

// Register adds an event listener and returns a function that removes it.
func (c *Cache) Register(l Listener) (unregister func()) {
	return c.bus.Register(l)
}

// Initialization returns the current initialization segment, or nil.
func (c *Cache) Initialization() *fmp4.InitSegment {
	return c.window.Initialization()
}

// Playlist renders the HLS media playlist of the most recent finalized
// segments. The target duration covers every retained segment, listed or
// not. It reports false until at least one segment is finalized.
func (c *Cache) Playlist() ([]byte, bool) {
	snap := c.window.Snapshot(0)
	if snap.Init == nil {
		return nil, false
	}

	var longest time.Duration
	entries := make([]hls.Entry, 0, len(snap.Segments))
	for _, seg := range snap.Segments {
		if seg.Final {
			entries = append(entries, hls.Entry{Sequence: seg.Sequence, Duration: seg.Duration})
			longest = max(longest, seg.Duration)
		}
	}
	if len(entries) > c.playlistSize {
		entries = entries[len(entries)-c.playlistSize:]
	}

	return hls.RenderWithTarget(entries, longest, c.playlistOpts)
}

// Segment returns the bytes of the retained segment with the given sequence.
func (c *Cache) Segment(sequence uint64) ([]byte, bool) {
	seg, err := c.window.Segment(sequence)
	if err != nil {
		return nil, false
	}
	return seg.Data, true
}

// SegmentList concatenates retained segments starting at index from, where
// zero is the oldest and negative values count back from the newest.
// A positive limit caps the number of segments.
func (c *Cache) SegmentList(from int, includeInit bool, limit int) ([]byte, bool) {
	snap := c.window.Snapshot(0)
	if snap.Init == nil {
		return nil, false
	}

	segs := snap.Segments
	if from < 0 {
		from = max(len(segs)+from, 0)
	}
	if from >= len(segs) {
		return nil, false
	}
	segs = segs[from:]
	if limit > 0 && len(segs) > limit {
		segs = segs[:limit]
	}

	parts := make([][]byte, 0, len(segs)+1)
	if includeInit {
		parts = append(parts, snap.Init.Data)
	}
	for _, s := range segs {
		parts = append(parts, s.Data)
	}
	return join(parts), true
}

// Snapshot returns the initialization plus the last limit segments, or all.
func (c *Cache) Snapshot(limit int) Snapshot {
	return c.window.Snapshot(limit)
}

// SnapshotFromKeyframe returns the segments starting at the n-th most recent keyframe.
func (c *Cache) SnapshotFromKeyframe(n int) Snapshot {
	return c.window.SnapshotFromKeyframe(n)
}

// LastKeyframeIndex returns the index of the limit-th most recent keyframe, or -1.
func (c *Cache) LastKeyframeIndex(limit int) int {
	return c.window.LastKeyframeIndex(limit)
}

// Subscribe registers a segment consumer.
func (c *Cache) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	return c.fanout.Subscribe(opts)
}

// Unsubscribe ends a subscription.
func (c *Cache) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.fanout.Unsubscribe(sub.ID)
}

// Close resets the cache and ends every subscription.
func (c *Cache) Close() {
	c.Reset()
	c.fanout.CloseAll(ErrReset)
}

// SegmentInfo describes a segment without its bytes.
type SegmentInfo struct {
	Sequence  uint64        `json:"sequence"`
	Timestamp time.Duration `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Final     bool          `json:"final"`
	Keyframe  bool          `json:"keyframe"`
	Size      int           `json:"size"`
}

// Status is a point-in-time summary of the cache.
type Status struct {
	Generation    uint64        `json:"generation"`
	Initialized   bool          `json:"initialized"`
	Mime          string        `json:"mime,omitempty"`
	VideoCodec    string        `json:"video_codec,omitempty"`
	AudioCodec    string        `json:"audio_codec,omitempty"`
	AllKeyframes  bool          `json:"all_keyframes"`
	PlaylistSize  int           `json:"playlist_size"`
	Capacity      int           `json:"capacity"`
	SegmentCount  int           `json:"segment_count"`
	FirstSequence uint64        `json:"first_sequence"`
	LastSequence  uint64        `json:"last_sequence"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalBytes    uint64        `json:"total_bytes"`
	Subscribers   int           `json:"subscribers"`
	LastSegment   *SegmentInfo  `json:"last_segment,omitempty"`
}

// Status returns a summary of the cache.
func (c *Cache) Status() Status {
	snap := c.window.Snapshot(1)
	stats := c.window.Stats()

	st := Status{
		Generation:    stats.Generation,
		Initialized:   stats.Initialized,
		PlaylistSize:  c.playlistSize,
		Capacity:      stats.Capacity,
		SegmentCount:  stats.SegmentCount,
		FirstSequence: stats.FirstSequence,
		LastSequence:  stats.LastSequence,
		TotalDuration: stats.TotalDuration,
		TotalBytes:    stats.TotalBytes,
		Subscribers:   c.fanout.Len(),
	}
	if snap.Init != nil {
		st.Mime = snap.Init.Mime
		st.VideoCodec = snap.Init.VideoCodec
		st.AudioCodec = snap.Init.AudioCodec
		st.AllKeyframes = snap.Init.AllKeyframes()
	}
	if len(snap.Segments) > 0 {
		last := snap.Segments[0]
		st.LastSegment = &SegmentInfo{
			Sequence:  last.Sequence,
			Timestamp: last.Timestamp,
			Duration:  last.Duration,
			Final:     last.Final,
			Keyframe:  last.Keyframe,
			Size:      last.Size(),
		}
	}
	return st
}
