package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"licensectl/internal/config"
)

// KeyGenerator produces candidate license keys. The manager collision-checks
// each candidate against the store before accepting it.
type KeyGenerator interface {
	Generate() (string, error)
}

// RandomKeyGenerator draws keys from crypto/rand over a fixed charset and
// formats them in dash-separated groups for display.
type RandomKeyGenerator struct {
	length    int
	groupSize int
	charset   string
}

// NewKeyGenerator creates a generator from the key configuration.
func NewKeyGenerator(cfg config.KeyConfig) *RandomKeyGenerator {
	return &RandomKeyGenerator{
		length:    cfg.Length,
		groupSize: cfg.GroupSize,
		charset:   cfg.Charset,
	}
}

// Generate implements KeyGenerator.
func (g *RandomKeyGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(g.charset)))
	raw := make([]byte, g.length)
	for i := range raw {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		raw[i] = g.charset[n.Int64()]
	}
	return formatKey(string(raw), g.groupSize), nil
}

// NormalizeKey canonicalizes user input: uppercase, dashes and spaces
// stripped, regrouped with dashes. Lookups always go through this so
// "abcde fghij" and "ABCDE-FGHIJ" resolve to the same record.
func NormalizeKey(raw string, groupSize int) string {
	clean := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(raw))
	return formatKey(clean, groupSize)
}

func formatKey(raw string, groupSize int) string {
	if groupSize <= 0 || len(raw) <= groupSize {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + len(raw)/groupSize)
	for i, r := range raw {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
