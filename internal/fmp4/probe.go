package fmp4

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Sample flag bits (ISO/IEC 14496-12 8.8.3.1).
const (
	sampleIsNonSyncSample = 0x00010000

	tfhdDefaultSampleDurationPresent = 0x000008
	tfhdDefaultSampleFlagsPresent    = 0x000020

	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent   = 0x000100
	trunSampleFlagsPresent      = 0x000400

	objectTypeMPEG4Audio = 0x40
)

// Track describes one trak of an initialization segment.
type Track struct {
	ID        uint32
	TimeScale uint32
	// Format is the sample entry four-character code (avc1, hvc1, mp4a, ...).
	Format string
	// Codec is the RFC 6381 codec string used in MIME types.
	Codec string
	Video bool

	defaultSampleDuration uint32
	defaultSampleFlags    uint32
}

var videoFormats = map[string]bool{
	"avc1": true, "avc3": true, "hvc1": true, "hev1": true,
	"av01": true, "vp08": true, "vp09": true, "dvh1": true, "dvhe": true,
}

// probeInit walks moov→trak→mdia→minf→stbl→stsd for every track.
func probeInit(moov []byte) ([]Track, error) {
	r := bytes.NewReader(moov)

	traks, err := gomp4.ExtractBox(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("reading trak boxes: %w", err)
	}
	if len(traks) == 0 {
		return nil, fmt.Errorf("moov has no tracks")
	}

	defaults, err := trackExtends(r)
	if err != nil {
		return nil, err
	}

	tracks := make([]Track, 0, len(traks))
	for _, trak := range traks {
		t, err := probeTrak(r, trak)
		if err != nil {
			return nil, err
		}
		if trex, ok := defaults[t.ID]; ok {
			t.defaultSampleDuration = trex.DefaultSampleDuration
			t.defaultSampleFlags = trex.DefaultSampleFlags
		}
		tracks = append(tracks, t)
	}

	return tracks, nil
}

func probeTrak(r io.ReadSeeker, trak *gomp4.BoxInfo) (Track, error) {
	var t Track

	tkhd, err := gomp4.ExtractBoxWithPayload(r, trak, gomp4.BoxPath{gomp4.BoxTypeTkhd()})
	if err != nil || len(tkhd) == 0 {
		return t, fmt.Errorf("reading tkhd: %w", errOrMissing(err))
	}
	t.ID = tkhd[0].Payload.(*gomp4.Tkhd).TrackID

	mdhd, err := gomp4.ExtractBoxWithPayload(r, trak, gomp4.BoxPath{gomp4.BoxTypeMdia(), gomp4.BoxTypeMdhd()})
	if err != nil || len(mdhd) == 0 {
		return t, fmt.Errorf("reading mdhd of track %d: %w", t.ID, errOrMissing(err))
	}
	t.TimeScale = mdhd[0].Payload.(*gomp4.Mdhd).Timescale
	if t.TimeScale == 0 {
		return t, fmt.Errorf("track %d has zero timescale", t.ID)
	}

	entries, err := gomp4.ExtractBox(r, trak, gomp4.BoxPath{
		gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeAny(),
	})
	if err != nil || len(entries) == 0 {
		return t, fmt.Errorf("reading sample entry of track %d: %w", t.ID, errOrMissing(err))
	}

	entry := entries[0]
	t.Format = entry.Type.String()
	t.Video = videoFormats[t.Format]
	t.Codec = codecString(r, entry, t.Format)

	return t, nil
}

// codecString derives the RFC 6381 codec parameter. Unknown layouts fall back
// to the bare sample entry code.
func codecString(r io.ReadSeeker, entry *gomp4.BoxInfo, format string) string {
	switch format {
	case "avc1", "avc3":
		boxes, err := gomp4.ExtractBoxWithPayload(r, entry, gomp4.BoxPath{gomp4.BoxTypeAvcC()})
		if err != nil || len(boxes) == 0 {
			return format
		}
		avcc, ok := boxes[0].Payload.(*gomp4.AVCDecoderConfiguration)
		if !ok {
			return format
		}
		return fmt.Sprintf("%s.%02x%02x%02x", format, avcc.Profile, avcc.ProfileCompatibility, avcc.Level)

	case "mp4a":
		boxes, err := gomp4.ExtractBoxWithPayload(r, entry, gomp4.BoxPath{gomp4.BoxTypeEsds()})
		if err != nil || len(boxes) == 0 {
			return format
		}
		esds, ok := boxes[0].Payload.(*gomp4.Esds)
		if !ok {
			return format
		}
		return audioCodecString(esds)
	}

	return format
}

func audioCodecString(esds *gomp4.Esds) string {
	var oti uint8
	var dsi []byte
	for _, d := range esds.Descriptors {
		switch d.Tag {
		case gomp4.DecoderConfigDescrTag:
			if d.DecoderConfigDescriptor != nil {
				oti = d.DecoderConfigDescriptor.ObjectTypeIndication
			}
		case gomp4.DecSpecificInfoTag:
			dsi = d.Data
		}
	}

	if oti == 0 {
		return "mp4a"
	}
	if oti != objectTypeMPEG4Audio || len(dsi) == 0 {
		return fmt.Sprintf("mp4a.%x", oti)
	}

	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(dsi); err != nil {
		return fmt.Sprintf("mp4a.%x", oti)
	}
	return fmt.Sprintf("mp4a.%x.%d", oti, int(conf.Type))
}

func trackExtends(r io.ReadSeeker) (map[uint32]*gomp4.Trex, error) {
	boxes, err := gomp4.ExtractBoxWithPayload(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeMvex(), gomp4.BoxTypeTrex()})
	if err != nil {
		return nil, fmt.Errorf("reading trex boxes: %w", err)
	}
	out := make(map[uint32]*gomp4.Trex, len(boxes))
	for _, b := range boxes {
		if trex, ok := b.Payload.(*gomp4.Trex); ok {
			out[trex.TrackID] = trex
		}
	}
	return out, nil
}

// mimeType builds the container MIME type with its codecs parameter.
func mimeType(tracks []Track) (mime, videoCodec, audioCodec string) {
	codecs := make([]string, 0, len(tracks))
	for _, t := range tracks {
		if t.Video && videoCodec == "" {
			videoCodec = t.Codec
		}
		if !t.Video && audioCodec == "" {
			audioCodec = t.Codec
		}
	}
	if videoCodec != "" {
		codecs = append(codecs, videoCodec)
	}
	if audioCodec != "" {
		codecs = append(codecs, audioCodec)
	}

	container := "audio/mp4"
	if videoCodec != "" {
		container = "video/mp4"
	}
	if len(codecs) == 0 {
		return container, videoCodec, audioCodec
	}
	return fmt.Sprintf("%s; codecs=%q", container, strings.Join(codecs, ", ")), videoCodec, audioCodec
}

// fragmentInfo is what a moof reveals about its media.
type fragmentInfo struct {
	baseTime    uint64
	hasBaseTime bool
	duration    uint64
	timeScale   uint32
	keyframe    bool
}

// probeFragment reads the traf of the primary track: the first video track,
// or the first track of an audio-only stream, whose samples are all sync samples.
func probeFragment(moof []byte, tracks []Track) (fragmentInfo, error) {
	primary := primaryTrack(tracks)
	info := fragmentInfo{timeScale: primary.TimeScale, keyframe: !primary.Video}

	r := bytes.NewReader(moof)
	trafs, err := gomp4.ExtractBox(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoof(), gomp4.BoxTypeTraf()})
	if err != nil {
		return info, fmt.Errorf("reading traf boxes: %w", err)
	}

	for _, traf := range trafs {
		boxes, err := gomp4.ExtractBoxWithPayload(r, traf, gomp4.BoxPath{gomp4.BoxTypeTfhd()})
		if err != nil || len(boxes) == 0 {
			return info, fmt.Errorf("reading tfhd: %w", errOrMissing(err))
		}
		tfhd := boxes[0].Payload.(*gomp4.Tfhd)
		if tfhd.TrackID != primary.ID {
			continue
		}

		if boxes, err := gomp4.ExtractBoxWithPayload(r, traf, gomp4.BoxPath{gomp4.BoxTypeTfdt()}); err == nil && len(boxes) > 0 {
			info.baseTime = boxes[0].Payload.(*gomp4.Tfdt).GetBaseMediaDecodeTime()
			info.hasBaseTime = true
		}

		truns, err := gomp4.ExtractBoxWithPayload(r, traf, gomp4.BoxPath{gomp4.BoxTypeTrun()})
		if err != nil {
			return info, fmt.Errorf("reading trun: %w", err)
		}
		for i, b := range truns {
			trun := b.Payload.(*gomp4.Trun)
			if i == 0 && primary.Video {
				info.keyframe = firstSampleFlags(trun, tfhd, primary)&sampleIsNonSyncSample == 0
			}
			info.duration += runDuration(trun, tfhd, primary)
		}
		return info, nil
	}

	return info, fmt.Errorf("no traf for track %d", primary.ID)
}

func primaryTrack(tracks []Track) Track {
	for _, t := range tracks {
		if t.Video {
			return t
		}
	}
	return tracks[0]
}

func firstSampleFlags(trun *gomp4.Trun, tfhd *gomp4.Tfhd, t Track) uint32 {
	switch {
	case trun.CheckFlag(trunFirstSampleFlagsPresent):
		return trun.FirstSampleFlags
	case trun.CheckFlag(trunSampleFlagsPresent) && len(trun.Entries) > 0:
		return trun.Entries[0].SampleFlags
	case tfhd.CheckFlag(tfhdDefaultSampleFlagsPresent):
		return tfhd.DefaultSampleFlags
	default:
		return t.defaultSampleFlags
	}
}

func runDuration(trun *gomp4.Trun, tfhd *gomp4.Tfhd, t Track) uint64 {
	if trun.CheckFlag(trunSampleDurationPresent) {
		var sum uint64
		for _, e := range trun.Entries {
			sum += uint64(e.SampleDuration)
		}
		return sum
	}
	def := t.defaultSampleDuration
	if tfhd.CheckFlag(tfhdDefaultSampleDurationPresent) {
		def = tfhd.DefaultSampleDuration
	}
	return uint64(def) * uint64(trun.SampleCount)
}

// scale converts media time units to a duration without overflowing.
func scale(units uint64, timeScale uint32) time.Duration {
	if timeScale == 0 {
		return 0
	}
	ts := uint64(timeScale)
	return time.Duration(units/ts)*time.Second + time.Duration(units%ts)*time.Second/time.Duration(ts)
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
