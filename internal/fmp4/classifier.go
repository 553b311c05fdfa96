package fmp4

import (
	"fmt"
	"time"
)

// InitSegment is the ftyp+moov pair that every media segment depends on.
type InitSegment struct {
	Data       []byte
	Mime       string
	VideoCodec string
	AudioCodec string
	Tracks     []Track
}

// AllKeyframes reports whether every fragment of the stream starts with a
// sync sample, which is the case for audio-only streams.
func (s *InitSegment) AllKeyframes() bool {
	for _, t := range s.Tracks {
		if t.Video {
			return false
		}
	}
	return true
}

// Fragment is one media segment: an optional styp, a moof and its mdat.
type Fragment struct {
	Sequence uint64
	// Timestamp is the decode time of the primary track's first sample.
	Timestamp time.Duration
	// SampleDuration is the summed sample duration of the primary track,
	// zero when the fragment does not declare it.
	SampleDuration time.Duration
	Keyframe       bool
	Data           []byte
}

// Output carries whatever a single box completed. At most one field is set.
type Output struct {
	Init     *InitSegment
	Fragment *Fragment
}

// Classifier assembles boxes into initialization and media segments and
// numbers the media segments from zero after every initialization.
// A Classifier is not safe for concurrent use.
type Classifier struct {
	init *InitSegment

	ftyp []byte
	styp []byte
	moof []byte
	info fragmentInfo

	sequence uint64
	last     *Fragment
}

// NewClassifier returns a Classifier awaiting an initialization segment.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Initialization returns the current initialization segment, or nil.
func (c *Classifier) Initialization() *InitSegment {
	return c.init
}

// Reset forgets the initialization and any partially assembled segment.
func (c *Classifier) Reset() {
	*c = Classifier{}
}

// Push consumes one top-level box. Boxes other than ftyp, moov, styp, moof
// and mdat are ignored.
func (c *Classifier) Push(box Box) (Output, error) {
	switch box.Type {
	case "ftyp":
		c.ftyp = box.Data
		c.clearFragment()
		return Output{}, nil

	case "moov":
		return c.pushMoov(box.Data)

	case "styp":
		if c.init == nil {
			return Output{}, ErrPrematureSegment
		}
		c.clearFragment()
		c.styp = box.Data
		return Output{}, nil

	case "moof":
		if c.init == nil {
			return Output{}, ErrPrematureSegment
		}
		info, err := probeFragment(box.Data, c.init.Tracks)
		if err != nil {
			c.clearFragment()
			return Output{}, fmt.Errorf("%w: moof: %v", ErrMalformedBox, err)
		}
		c.moof = box.Data
		c.info = info
		return Output{}, nil

	case "mdat":
		if c.init == nil {
			return Output{}, ErrPrematureSegment
		}
		if c.moof == nil {
			c.clearFragment()
			return Output{}, ErrOrphanedMedia
		}
		return Output{Fragment: c.completeFragment(box.Data)}, nil
	}

	return Output{}, nil
}

func (c *Classifier) pushMoov(moov []byte) (Output, error) {
	tracks, err := probeInit(moov)
	if err != nil {
		c.ftyp = nil
		return Output{}, fmt.Errorf("%w: moov: %v", ErrMalformedBox, err)
	}

	data := make([]byte, 0, len(c.ftyp)+len(moov))
	data = append(data, c.ftyp...)
	data = append(data, moov...)

	mime, video, audio := mimeType(tracks)
	c.init = &InitSegment{
		Data:       data,
		Mime:       mime,
		VideoCodec: video,
		AudioCodec: audio,
		Tracks:     tracks,
	}
	c.ftyp = nil
	c.clearFragment()
	c.sequence = 0
	c.last = nil

	return Output{Init: c.init}, nil
}

func (c *Classifier) completeFragment(mdat []byte) *Fragment {
	data := make([]byte, 0, len(c.styp)+len(c.moof)+len(mdat))
	data = append(data, c.styp...)
	data = append(data, c.moof...)
	data = append(data, mdat...)

	f := &Fragment{
		Sequence:       c.sequence,
		SampleDuration: scale(c.info.duration, c.info.timeScale),
		Keyframe:       c.info.keyframe,
		Data:           data,
	}
	switch {
	case c.info.hasBaseTime:
		f.Timestamp = scale(c.info.baseTime, c.info.timeScale)
	case c.last != nil:
		f.Timestamp = c.last.Timestamp + c.last.SampleDuration
	}

	c.sequence++
	c.last = f
	c.clearFragment()

	return f
}

func (c *Classifier) clearFragment() {
	c.styp = nil
	c.moof = nil
	c.info = fragmentInfo{}
}
