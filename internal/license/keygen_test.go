package license

import (
	"bytes"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGeneratorFormat(t *testing.T) {
	gen := NewKeyGenerator()
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		key, err := gen.Generate()
		require.NoError(t, err)
		assert.True(t, ValidKeyFormat(key), "bad key %q", key)
		assert.Len(t, key, 14)
		seen[key] = true
	}
	// 36^12 possible keys; a repeat in 1000 draws means the source is broken
	assert.Len(t, seen, 1000)
}

func TestKeyGeneratorRejectionSampling(t *testing.T) {
	// 252..255 fall outside the largest multiple of 36 and must be skipped;
	// 0 maps to 'A', 35 to '9', 36 wraps back to 'A'.
	stream := []byte{255, 0, 252, 35, 36, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	gen := NewKeyGeneratorFrom(bytes.NewReader(stream))

	key, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, "A9AB-CDEF-GHIJ", key)
}

func TestKeyGeneratorEntropyFailure(t *testing.T) {
	_, err := NewKeyGeneratorFrom(failingReader{}).Generate()
	assert.Error(t, err)
}

func TestWebMachineID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id, err := NewKeyGenerator().WebMachineID(now)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^WEB-1700000000123-[0-9a-z]{6}$`), id)
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"ABCD-1234-WXYZ", true},
		{"0000-0000-0000", true},
		{"abcd-1234-wxyz", false},
		{"ABCD1234WXYZ", false},
		{"ABCD-1234-WXY", false},
		{"ABCD-1234-WXYZ-0000", false},
		{"BOGUS-KEY", false},
		{"", false},
		{"ABCD-12_4-WXYZ", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidKeyFormat(tt.key))
		})
	}
}

func TestNormalization(t *testing.T) {
	assert.Equal(t, "ABCD-1234-WXYZ", NormalizeKey("  abcd-1234-wxyz\n"))
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.com ", true))
	assert.Equal(t, "A@X.com", NormalizeEmail("  A@X.com ", false))
}
