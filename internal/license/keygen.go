package license

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"keyserver/internal/config"
)

var keyPattern = regexp.MustCompile(config.LicenseKeyPattern)

// ValidKeyFormat reports whether key has the XXXX-XXXX-XXXX shape.
// The key must already be normalized.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// KeyGenerator draws license keys uniformly from the 36-symbol alphabet.
type KeyGenerator struct {
	rand io.Reader
}

// NewKeyGenerator returns a generator backed by crypto/rand.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{rand: rand.Reader}
}

// NewKeyGeneratorFrom returns a generator reading entropy from r.
func NewKeyGeneratorFrom(r io.Reader) *KeyGenerator {
	return &KeyGenerator{rand: r}
}

// Generate returns a candidate key. Uniqueness is checked by the caller.
func (g *KeyGenerator) Generate() (string, error) {
	symbols, err := g.symbols(config.LicenseKeyAlphabet, config.LicenseKeyGroups*config.LicenseKeyGroupSize)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(symbols) + config.LicenseKeyGroups - 1)
	for i, c := range symbols {
		if i > 0 && i%config.LicenseKeyGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// WebMachineID mints WEB-<unix-millis>-<6 base36 chars> for browser
// activations that arrive without a machine id.
func (g *KeyGenerator) WebMachineID(now time.Time) (string, error) {
	suffix, err := g.symbols("0123456789abcdefghijklmnopqrstuvwxyz", 6)
	if err != nil {
		return "", err
	}
	return config.WebMachinePrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix), nil
}

// symbols reads n symbols from alphabet using rejection sampling so that
// every symbol is equally likely.
func (g *KeyGenerator) symbols(alphabet string, n int) ([]byte, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return nil, fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return out, nil
}
