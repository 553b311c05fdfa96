// Package fmp4 recognizes ISO-BMFF boxes in a live fragmented MP4 byte stream and
// assembles them into initialization and media segments.
package fmp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
)

// Parse errors.
var (
	ErrMalformedBox     = errors.New("malformed box")
	ErrPrematureSegment = errors.New("media segment before initialization")
	ErrOrphanedMedia    = errors.New("mdat without preceding moof")
)

const (
	headerSize         = 8
	extendedHeaderSize = 16

	// DefaultMaxBufferSize bounds the carry-over buffer when a box never completes.
	DefaultMaxBufferSize = 50 * 1024 * 1024
)

// Box is one complete top-level box, header included.
type Box struct {
	Type string
	Data []byte
}

// Size returns the total box length in bytes.
func (b Box) Size() int {
	return len(b.Data)
}

// Reader is an incremental box framer. Chunks may split boxes at any byte
// offset; incomplete trailing bytes are carried over to the next Feed.
// A Reader is not safe for concurrent use.
type Reader struct {
	buf     []byte
	maxSize int
}

// NewReader creates a Reader whose carry-over never exceeds maxBufferSize.
// A non-positive value selects DefaultMaxBufferSize.
func NewReader(maxBufferSize int) *Reader {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &Reader{maxSize: maxBufferSize}
}

// Buffered returns the number of carried-over bytes.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Reset drops any carried-over bytes.
func (r *Reader) Reset() {
	r.buf = nil
}

// Feed appends chunk to the carry-over buffer and returns a sequence of the
// boxes that are now complete. Boxes not consumed by the caller stay buffered
// for the next call. After an error the buffer is cleared and the sequence ends.
func (r *Reader) Feed(chunk []byte) iter.Seq2[Box, error] {
	r.buf = append(r.buf, chunk...)

	return func(yield func(Box, error) bool) {
		for {
			box, ok, err := r.next()
			if err != nil {
				r.Reset()
				yield(Box{}, err)
				return
			}
			if !ok {
				r.compact()
				return
			}
			if !yield(box, nil) {
				r.compact()
				return
			}
		}
	}
}

// next pops the first box from the buffer if it is complete.
func (r *Reader) next() (Box, bool, error) {
	if len(r.buf) < headerSize {
		return Box{}, false, nil
	}

	size := uint64(binary.BigEndian.Uint32(r.buf[0:4]))
	boxType := string(r.buf[4:8])
	minSize := uint64(headerSize)

	switch size {
	case 0:
		// "extends to end of file" has no meaning in a live stream
		return Box{}, false, fmt.Errorf("%w: %q declares open-ended size", ErrMalformedBox, printable(boxType))
	case 1:
		if len(r.buf) < extendedHeaderSize {
			return Box{}, false, nil
		}
		size = binary.BigEndian.Uint64(r.buf[8:16])
		minSize = extendedHeaderSize
	}

	if size < minSize {
		return Box{}, false, fmt.Errorf("%w: %q declares size %d, minimum is %d", ErrMalformedBox, printable(boxType), size, minSize)
	}
	// A box larger than the carry-over limit could never complete.
	if size > uint64(r.maxSize) {
		return Box{}, false, fmt.Errorf("%w: %q declares size %d, carry-over limit is %d", ErrMalformedBox, printable(boxType), size, r.maxSize)
	}
	if uint64(len(r.buf)) < size {
		return Box{}, false, nil
	}

	data := make([]byte, size)
	copy(data, r.buf[:size])
	r.buf = r.buf[size:]

	return Box{Type: boxType, Data: data}, true, nil
}

// compact releases the consumed prefix of the backing array.
func (r *Reader) compact() {
	if len(r.buf) == 0 {
		r.buf = nil
		return
	}
	if cap(r.buf) > 2*len(r.buf) {
		r.buf = append([]byte(nil), r.buf...)
	}
}

func printable(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return fmt.Sprintf("%x", []byte(s))
		}
	}
	return s
}
