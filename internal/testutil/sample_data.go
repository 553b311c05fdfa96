// Package testutil provides test utilities including synthetic fragmented MP4 streams.
package testutil

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Track layout of generated streams.
const (
	VideoTrackID   = 1
	AudioTrackID   = 2
	VideoTimeScale = 90000
	AudioTimeScale = 48000

	// VideoCodec is the codec string derived from the generated avcC.
	VideoCodec = "avc1.640028"
	// AudioCodec is the codec string derived from the generated esds.
	AudioCodec = "mp4a.40.2"
)

// Sample flags as written by common encoders.
const (
	KeyframeSampleFlags    uint32 = 0x02000000
	NonKeyframeSampleFlags uint32 = 0x01010000
)

// Tracks selects which tracks a generated stream carries.
type Tracks int

const (
	VideoOnly Tracks = iota
	AudioOnly
	VideoAndAudio
)

func (t Tracks) hasVideo() bool { return t != AudioOnly }
func (t Tracks) hasAudio() bool { return t != VideoOnly }

var (
	sps = []byte{0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78, 0x02, 0x27, 0xe5, 0x84}
	pps = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

// FragmentOptions describes one generated media segment.
type FragmentOptions struct {
	// Sequence is written into mfhd.
	Sequence uint32
	// Timestamp is the base media decode time of every track.
	Timestamp time.Duration
	// Duration is split evenly across the samples of every track.
	Duration time.Duration
	Keyframe bool
	// Styp prefixes the fragment with a segment type box.
	Styp bool
	// OmitTfdt leaves out the decode time box.
	OmitTfdt bool
	// FlagsInTfhd signals sample flags through tfhd defaults instead of trun.
	FlagsInTfhd bool
	// PayloadSize is the mdat payload length; zero picks 256.
	PayloadSize int
}

// StreamGenerator produces synthetic fMP4 byte streams.
type StreamGenerator struct {
	rng    *rand.Rand
	tracks Tracks
}

// NewStreamGenerator creates a generator for the given track layout.
func NewStreamGenerator(tracks Tracks) *StreamGenerator {
	return NewStreamGeneratorWithSeed(tracks, time.Now().UnixNano())
}

// NewStreamGeneratorWithSeed creates a generator with a specific seed for reproducible payloads.
func NewStreamGeneratorWithSeed(tracks Tracks, seed int64) *StreamGenerator {
	return &StreamGenerator{
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // test data only
		tracks: tracks,
	}
}

// Init returns ftyp followed by moov.
func (g *StreamGenerator) Init() []byte {
	return concat(Ftyp(), g.Moov())
}

// Moov returns the movie box for the generator's tracks.
func (g *StreamGenerator) Moov() []byte {
	mvhd := fullBox("mvhd", 0, 0,
		u32(0), u32(0), u32(1000), u32(0),
		u32(0x00010000), u16(0x0100), u16(0), make([]byte, 8),
		matrix(), make([]byte, 24), u32(AudioTrackID+1))

	children := [][]byte{mvhd}
	var trex [][]byte
	if g.tracks.hasVideo() {
		children = append(children, videoTrak())
		trex = append(trex, trexBox(VideoTrackID))
	}
	if g.tracks.hasAudio() {
		children = append(children, audioTrak())
		trex = append(trex, trexBox(AudioTrackID))
	}
	children = append(children, box("mvex", trex...))

	return box("moov", children...)
}

// Fragment returns (styp?) moof mdat for the given options.
func (g *StreamGenerator) Fragment(opts FragmentOptions) []byte {
	size := opts.PayloadSize
	if size <= 0 {
		size = 256
	}
	payload := make([]byte, size)
	_, _ = g.rng.Read(payload)

	// data_offset depends on the moof length, which does not depend on its value
	moof := g.moof(opts, 0, size)
	moof = g.moof(opts, int32(len(moof)+8), size)

	out := make([]byte, 0, 64+len(moof)+size)
	if opts.Styp {
		out = append(out, Styp()...)
	}
	out = append(out, moof...)
	out = append(out, box("mdat", payload)...)
	return out
}

// Fragments returns n keyframe fragments spaced by step, starting at zero.
func (g *StreamGenerator) Fragments(n int, step time.Duration) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = g.Fragment(FragmentOptions{
			Sequence:  uint32(i + 1),
			Timestamp: time.Duration(i) * step,
			Duration:  step,
			Keyframe:  true,
		})
	}
	return out
}

func (g *StreamGenerator) moof(opts FragmentOptions, dataOffset int32, payloadSize int) []byte {
	var trafs [][]byte
	// audio first so readers must select the primary track by id
	if g.tracks.hasAudio() {
		trafs = append(trafs, traf(AudioTrackID, AudioTimeScale, opts, true, dataOffset, payloadSize))
	}
	if g.tracks.hasVideo() {
		trafs = append(trafs, traf(VideoTrackID, VideoTimeScale, opts, false, dataOffset, payloadSize))
	}

	mfhd := fullBox("mfhd", 0, 0, u32(opts.Sequence))
	return box("moof", append([][]byte{mfhd}, trafs...)...)
}

func traf(trackID, timeScale uint32, opts FragmentOptions, audio bool, dataOffset int32, payloadSize int) []byte {
	const samples = 2

	units := uint64(opts.Duration) * uint64(timeScale) / uint64(time.Second)
	sampleDuration := uint32(units / samples)
	sampleSize := uint32(payloadSize / samples)

	firstFlags := NonKeyframeSampleFlags
	if opts.Keyframe || audio {
		firstFlags = KeyframeSampleFlags
	}

	var tfhd []byte
	var trun []byte
	if opts.FlagsInTfhd {
		// default-base-is-moof, default duration, default flags
		tfhd = fullBox("tfhd", 0, 0x020028, u32(trackID), u32(sampleDuration), u32(firstFlags))
		trun = fullBox("trun", 0, 0x000201,
			u32(samples), i32(dataOffset), u32(sampleSize), u32(sampleSize))
	} else {
		// default-base-is-moof
		tfhd = fullBox("tfhd", 0, 0x020000, u32(trackID))
		// data offset, first sample flags, duration, size
		trun = fullBox("trun", 0, 0x000305,
			u32(samples), i32(dataOffset), u32(firstFlags),
			u32(sampleDuration), u32(sampleSize),
			u32(sampleDuration), u32(sampleSize))
	}

	children := [][]byte{tfhd}
	if !opts.OmitTfdt {
		base := uint64(opts.Timestamp) * uint64(timeScale) / uint64(time.Second)
		children = append(children, fullBox("tfdt", 1, 0, u64(base)))
	}
	children = append(children, trun)

	return box("traf", children...)
}

// Ftyp returns a file type box.
func Ftyp() []byte {
	return box("ftyp", []byte("iso5"), u32(512), []byte("iso5iso6mp41"))
}

// Styp returns a segment type box.
func Styp() []byte {
	return box("styp", []byte("msdh"), u32(0), []byte("msdhmsix"))
}

// Box frames payload parts as an ISO-BMFF box of the given type.
func Box(boxType string, payload ...[]byte) []byte {
	return box(boxType, payload...)
}

// LargeBox frames payload using the 64-bit extended size header.
func LargeBox(boxType string, payload []byte) []byte {
	out := make([]byte, 0, 16+len(payload))
	out = append(out, u32(1)...)
	out = append(out, boxType...)
	out = append(out, u64(uint64(16+len(payload)))...)
	return append(out, payload...)
}

func videoTrak() []byte {
	tkhd := fullBox("tkhd", 0, 0x000003,
		u32(0), u32(0), u32(VideoTrackID), u32(0), u32(0), make([]byte, 8),
		u16(0), u16(0), u16(0), u16(0), matrix(), u32(1920<<16), u32(1080<<16))

	avcC := box("avcC",
		[]byte{1, 0x64, 0x00, 0x28, 0xff, 0xe1}, u16(uint16(len(sps))), sps,
		[]byte{1}, u16(uint16(len(pps))), pps)

	avc1 := box("avc1",
		make([]byte, 6), u16(1), // SampleEntry
		u16(0), u16(0), make([]byte, 12),
		u16(1920), u16(1080), u32(0x00480000), u32(0x00480000), u32(0),
		u16(1), make([]byte, 32), u16(0x0018), u16(0xffff),
		avcC)

	vmhd := fullBox("vmhd", 0, 1, make([]byte, 8))

	return trak(tkhd, VideoTimeScale, "vide", "VideoHandler", vmhd, avc1)
}

func audioTrak() []byte {
	tkhd := fullBox("tkhd", 0, 0x000003,
		u32(0), u32(0), u32(AudioTrackID), u32(0), u32(0), make([]byte, 8),
		u16(0), u16(1), u16(0x0100), u16(0), matrix(), u32(0), u32(0))

	asc, err := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   AudioTimeScale,
		ChannelCount: 2,
	}.Marshal()
	if err != nil {
		panic(err)
	}

	dsi := descriptor(0x05, asc)
	dcd := descriptor(0x04, []byte{0x40, 0x15}, []byte{0, 0, 0}, u32(128000), u32(128000), dsi)
	sl := descriptor(0x06, []byte{0x02})
	esd := descriptor(0x03, u16(AudioTrackID), []byte{0}, dcd, sl)
	esds := fullBox("esds", 0, 0, esd)

	mp4a := box("mp4a",
		make([]byte, 6), u16(1), // SampleEntry
		u16(0), make([]byte, 6), u16(2), u16(16), u16(0), u16(0), u32(AudioTimeScale<<16),
		esds)

	smhd := fullBox("smhd", 0, 0, u16(0), u16(0))

	return trak(tkhd, AudioTimeScale, "soun", "SoundHandler", smhd, mp4a)
}

func trak(tkhd []byte, timeScale uint32, handler, name string, mediaHeader, sampleEntry []byte) []byte {
	mdhd := fullBox("mdhd", 0, 0, u32(0), u32(0), u32(timeScale), u32(0), u16(0x55c4), u16(0))
	hdlr := fullBox("hdlr", 0, 0, u32(0), []byte(handler), make([]byte, 12), []byte(name), []byte{0})

	dref := fullBox("dref", 0, 0, u32(1), fullBox("url ", 0, 1))
	dinf := box("dinf", dref)

	stbl := box("stbl",
		fullBox("stsd", 0, 0, u32(1), sampleEntry),
		fullBox("stts", 0, 0, u32(0)),
		fullBox("stsc", 0, 0, u32(0)),
		fullBox("stsz", 0, 0, u32(0), u32(0)),
		fullBox("stco", 0, 0, u32(0)))

	minf := box("minf", mediaHeader, dinf, stbl)
	mdia := box("mdia", mdhd, hdlr, minf)

	return box("trak", tkhd, mdia)
}

func trexBox(trackID uint32) []byte {
	return fullBox("trex", 0, 0, u32(trackID), u32(1), u32(0), u32(0), u32(NonKeyframeSampleFlags))
}

func descriptor(tag byte, parts ...[]byte) []byte {
	body := concat(parts...)
	return concat([]byte{tag, byte(len(body))}, body)
}

func box(boxType string, payload ...[]byte) []byte {
	body := concat(payload...)
	out := make([]byte, 0, 8+len(body))
	out = append(out, u32(uint32(8+len(body)))...)
	out = append(out, boxType...)
	return append(out, body...)
}

func fullBox(boxType string, version byte, flags uint32, payload ...[]byte) []byte {
	header := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(boxType, append([][]byte{header}, payload...)...)
}

func matrix() []byte {
	return concat(
		u32(0x00010000), u32(0), u32(0),
		u32(0), u32(0x00010000), u32(0),
		u32(0), u32(0), u32(0x40000000))
}

func concat(parts ...[]byte) []byte {
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

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }
func i32(v int32) []byte  { return u32(uint32(v)) }
