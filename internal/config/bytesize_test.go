package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ByteSize
		wantErr  bool
	}{
		{"bytes", "1024", 1024, false},
		{"kilobytes", "5KB", 5 * 1000, false},
		{"kibibytes", "5KiB", 5 * 1024, false},
		{"megabytes", "50MB", 50 * 1000 * 1000, false},
		{"mebibytes", "50MiB", 50 * 1024 * 1024, false},
		{"with space", "5 MiB", 5 * 1024 * 1024, false},
		{"surrounding space", "  8MiB ", 8 * 1024 * 1024, false},
		{"lowercase", "5mib", 5 * 1024 * 1024, false},
		{"float", "1.5MB", 1500000, false},
		{"one gibibyte", "1GiB", 1024 * 1024 * 1024, false},
		{"zero", "0", 0, false},
		{"negative", "-5MiB", 0, true},
		{"too large for a buffer", "4GiB", 0, true},
		{"invalid", "invalid", 0, true},
		{"empty", "", 0, true},
		{"blank", "   ", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestByteSize_UnmarshalText(t *testing.T) {
	var b ByteSize
	err := b.UnmarshalText([]byte("5MiB"))
	require.NoError(t, err)
	assert.Equal(t, ByteSize(5*1024*1024), b)

	assert.Error(t, b.UnmarshalText([]byte("lots")))
	assert.Equal(t, ByteSize(5*1024*1024), b, "failed parse leaves the value alone")
}

func TestByteSize_YAMLRoundTrip(t *testing.T) {
	type doc struct {
		Size ByteSize `yaml:"size"`
	}

	data, err := yaml.Marshal(doc{Size: 50 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, "size: 50 MiB\n", string(data))

	var back doc
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, ByteSize(50*1024*1024), back.Size)
}

func TestByteSize_Int(t *testing.T) {
	assert.Equal(t, 8*1024*1024, ByteSize(8*1024*1024).Int())
	assert.Equal(t, 0, ByteSize(0).Int())
}

func TestByteSize_String(t *testing.T) {
	tests := []struct {
		name     string
		size     ByteSize
		expected string
	}{
		{"bytes", 500, "500 B"},
		{"kibibytes", 5 * 1024, "5.0 KiB"},
		{"mebibytes", 10 * 1024 * 1024, "10 MiB"},
		{"zero", 0, "0 B"},
		{"negative", -1, "-1 B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.size.String())
		})
	}
}
