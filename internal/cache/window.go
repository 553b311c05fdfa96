// Package cache keeps the live edge of a fragmented MP4 stream in memory and
// serves it to playlist readers and streaming subscribers.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/fragcache/internal/fmp4"
)

// Window errors.
var (
	ErrSequenceGap     = errors.New("segment sequence gap")
	ErrNotInitialized  = errors.New("cache not initialized")
	ErrSegmentNotFound = errors.New("segment not found")
)

// Window size limits.
const (
	DefaultPlaylistSize = 4
	MinPlaylistSize     = 2
	MaxPlaylistSize     = 20
	MaxPlaylistExtra    = 10
)

// Segment is one retained media segment. Data is shared between readers and
// must never be modified.
type Segment struct {
	Sequence  uint64
	Timestamp time.Duration
	// Duration is the distance to the next segment's timestamp. It is only
	// meaningful once Final is set.
	Duration time.Duration
	Final    bool
	Keyframe bool
	Data     []byte
}

// Size returns the segment length in bytes.
func (s Segment) Size() int {
	return len(s.Data)
}

// Snapshot is an immutable view of the window.
type Snapshot struct {
	Generation uint64
	Init       *fmp4.InitSegment
	Segments   []Segment
}

// WindowStats holds window statistics. TotalDuration and TotalBytes
// accumulate over the generation, evicted segments included.
type WindowStats struct {
	Generation    uint64
	Initialized   bool
	Capacity      int
	SegmentCount  int
	FirstSequence uint64
	LastSequence  uint64
	TotalDuration time.Duration
	TotalBytes    uint64
}

// Window is a bounded, ordered ring of the most recent media segments plus
// the current initialization segment.
type Window struct {
	mu       sync.RWMutex
	capacity int

	init       *fmp4.InitSegment
	segments   []Segment
	next       uint64
	generation uint64

	totalDuration time.Duration
	totalBytes    uint64
}

// NewWindow creates a window retaining playlistSize+extra segments.
// Out-of-range values are clamped.
func NewWindow(playlistSize, extra int) *Window {
	playlistSize = ClampPlaylistSize(playlistSize)
	extra = ClampPlaylistExtra(extra)
	capacity := playlistSize + extra

	return &Window{
		capacity: capacity,
		segments: make([]Segment, 0, capacity+1),
	}
}

// ClampPlaylistSize bounds a playlist size; zero selects the default.
func ClampPlaylistSize(n int) int {
	return clampInt(MinPlaylistSize, MaxPlaylistSize, DefaultPlaylistSize, n)
}

// ClampPlaylistExtra bounds the extra retention.
func ClampPlaylistExtra(n int) int {
	return clampInt(0, MaxPlaylistExtra, 0, n)
}

func clampInt(lo, hi, def, v int) int {
	switch {
	case v == 0 && def != 0:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Capacity returns the maximum number of retained segments.
func (w *Window) Capacity() int {
	return w.capacity
}

// SetInitialization replaces the initialization segment and clears every
// media segment. It returns the new generation.
func (w *Window) SetInitialization(seg *fmp4.InitSegment) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.init = seg
	clear(w.segments)
	w.segments = w.segments[:0]
	w.next = 0
	w.totalDuration = 0
	w.totalBytes = 0
	w.generation++

	return w.generation
}

// Reset clears the window. It returns the new generation.
func (w *Window) Reset() uint64 {
	return w.SetInitialization(nil)
}

// Append adds seg to the tail, finalizing the previous tail's duration and
// evicting from the head past capacity.
func (w *Window) Append(seg Segment) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.init == nil {
		return ErrNotInitialized
	}
	if seg.Sequence != w.next {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, seg.Sequence, w.next)
	}

	if n := len(w.segments); n > 0 {
		tail := &w.segments[n-1]
		tail.Duration = max(seg.Timestamp-tail.Timestamp, 0)
		tail.Final = true
		w.totalDuration += tail.Duration
	}

	seg.Duration = 0
	seg.Final = false
	w.segments = append(w.segments, seg)
	w.next++
	w.totalBytes += uint64(len(seg.Data))

	for len(w.segments) > w.capacity {
		w.segments[0] = Segment{}
		w.segments = w.segments[1:]
	}

	return nil
}

// Initialization returns the current initialization segment, or nil.
func (w *Window) Initialization() *fmp4.InitSegment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.init
}

// Generation returns the current generation.
func (w *Window) Generation() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// Snapshot returns the initialization plus the last limit segments, or all
// of them when limit is not positive.
func (w *Window) Snapshot(limit int) Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(w.segments) {
		start = len(w.segments) - limit
	}
	return w.snapshotLocked(start)
}

// SnapshotFromKeyframe returns the segments starting at the n-th most recent
// keyframe. n <= 0 selects the oldest retained keyframe. The snapshot has no
// segments when no keyframe is retained.
func (w *Window) SnapshotFromKeyframe(n int) Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	idx := w.keyframeIndexLocked(n)
	if idx < 0 {
		return w.snapshotLocked(len(w.segments))
	}
	return w.snapshotLocked(idx)
}

// LastKeyframeIndex walks backwards and returns the index of the limit-th
// most recent keyframe, or the oldest one found when fewer exist. It returns
// -1 when no retained segment is a keyframe or limit is not positive.
func (w *Window) LastKeyframeIndex(limit int) int {
	if limit <= 0 {
		return -1
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.keyframeIndexLocked(limit)
}

func (w *Window) keyframeIndexLocked(limit int) int {
	allKeys := w.init != nil && w.init.AllKeyframes()
	last := -1
	count := 0
	for i := len(w.segments) - 1; i >= 0; i-- {
		if limit > 0 && count >= limit {
			break
		}
		if allKeys || w.segments[i].Keyframe {
			last = i
			count++
		}
	}
	return last
}

func (w *Window) snapshotLocked(start int) Snapshot {
	segs := make([]Segment, len(w.segments)-start)
	copy(segs, w.segments[start:])
	return Snapshot{
		Generation: w.generation,
		Init:       w.init,
		Segments:   segs,
	}
}

// Segment returns the retained segment with the given sequence.
func (w *Window) Segment(sequence uint64) (Segment, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.segments) == 0 {
		return Segment{}, ErrSegmentNotFound
	}
	first := w.segments[0].Sequence
	if sequence < first || sequence-first >= uint64(len(w.segments)) {
		return Segment{}, ErrSegmentNotFound
	}
	// sequences are contiguous
	return w.segments[sequence-first], nil
}

// Stats returns window statistics.
func (w *Window) Stats() WindowStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stats := WindowStats{
		Generation:    w.generation,
		Initialized:   w.init != nil,
		Capacity:      w.capacity,
		SegmentCount:  len(w.segments),
		TotalDuration: w.totalDuration,
		TotalBytes:    w.totalBytes,
	}
	if n := len(w.segments); n > 0 {
		stats.FirstSequence = w.segments[0].Sequence
		stats.LastSequence = w.segments[n-1].Sequence
	}
	return stats
}
