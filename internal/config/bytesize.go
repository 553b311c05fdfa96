package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a buffer size read from configuration. Both SI and binary
// units are accepted ("8MB", "50MiB", "1.5 GiB") as well as a bare byte
// count.
type ByteSize int64

// maxByteSize keeps sizes addressable as an int on 32-bit platforms.
const maxByteSize = ByteSize(math.MaxInt32)

// ParseByteSize parses a human-readable byte size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty byte size")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("byte size %q is negative", s)
	}
	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	if size > uint64(maxByteSize) {
		return 0, fmt.Errorf("byte size %q exceeds %s", s, maxByteSize)
	}
	return ByteSize(size), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so viper and YAML
// decode sizes through ParseByteSize.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler. The output parses back
// to the same value for whole binary units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Int returns the size as an int for buffer limits.
func (b ByteSize) Int() int {
	return int(b)
}

func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}
