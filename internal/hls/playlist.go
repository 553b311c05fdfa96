// Package hls renders live HLS media playlists for fMP4 segments.
package hls

import (
	"bytes"
	"fmt"
	"math"
	"time"
)

// Default URIs, relative to the playlist.
const (
	DefaultInitURI       = "init-hls.mp4"
	DefaultSegmentPrefix = "hls"
	DefaultSegmentSuffix = ".m4s"

	// Version is the protocol version for fMP4 media playlists.
	Version = 7
)

// Entry is one finalized segment.
type Entry struct {
	Sequence uint64
	Duration time.Duration
}

// Options controls the URIs written into the playlist.
type Options struct {
	InitURI       string
	SegmentPrefix string
	SegmentSuffix string
}

// DefaultOptions returns the URIs served by the stream routes.
func DefaultOptions() Options {
	return Options{
		InitURI:       DefaultInitURI,
		SegmentPrefix: DefaultSegmentPrefix,
		SegmentSuffix: DefaultSegmentSuffix,
	}
}

// SegmentURI returns the URI of the segment with the given sequence.
func (o Options) SegmentURI(sequence uint64) string {
	return fmt.Sprintf("%s%d%s", o.SegmentPrefix, sequence, o.SegmentSuffix)
}

// Render returns the media playlist for entries, which must be contiguous
// and in order. It reports false when there is nothing to list.
func Render(entries []Entry, opts Options) ([]byte, bool) {
	return RenderWithTarget(entries, 0, opts)
}

// RenderWithTarget is Render with the target duration also covering longest,
// the longest segment retained but not listed.
func RenderWithTarget(entries []Entry, longest time.Duration, opts Options) ([]byte, bool) {
	if len(entries) == 0 {
		return nil, false
	}
	if opts.InitURI == "" {
		opts.InitURI = DefaultInitURI
	}
	if opts.SegmentPrefix == "" && opts.SegmentSuffix == "" {
		opts.SegmentPrefix = DefaultSegmentPrefix
		opts.SegmentSuffix = DefaultSegmentSuffix
	}

	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	fmt.Fprintf(&buf, "#EXT-X-VERSION:%d\n", Version)
	fmt.Fprintf(&buf, "#EXT-X-TARGETDURATION:%d\n", max(TargetDuration(entries), ceilSeconds(longest)))
	fmt.Fprintf(&buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", entries[0].Sequence)
	fmt.Fprintf(&buf, "#EXT-X-MAP:URI=%q\n", opts.InitURI)

	for _, e := range entries {
		fmt.Fprintf(&buf, "#EXTINF:%.3f,\n", e.Duration.Seconds())
		buf.WriteString(opts.SegmentURI(e.Sequence))
		buf.WriteByte('\n')
	}

	return buf.Bytes(), true
}

// TargetDuration is the ceiling of the longest entry in whole seconds, at least 1.
func TargetDuration(entries []Entry) int {
	var longest time.Duration
	for _, e := range entries {
		longest = max(longest, e.Duration)
	}
	return max(ceilSeconds(longest), 1)
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
