package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensectl/internal/config"
)

func TestRandomKeyGenerator(t *testing.T) {
	cfg := config.Default().Keys
	gen := NewKeyGenerator(cfg)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := gen.Generate()
		require.NoError(t, err)

		raw := strings.ReplaceAll(key, "-", "")
		assert.Len(t, raw, cfg.Length)
		for _, r := range raw {
			assert.Contains(t, cfg.Charset, string(r))
		}

		groups := strings.Split(key, "-")
		assert.Len(t, groups, cfg.Length/cfg.GroupSize)
		for _, g := range groups {
			assert.Len(t, g, cfg.GroupSize)
		}
		seen[key] = true
	}
	// Collisions over 100 draws from a 32^20 space mean a broken generator.
	assert.Len(t, seen, 100)
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"canonical form unchanged", "ABCDE-FGHIJ-KLMNP-QRSTU", "ABCDE-FGHIJ-KLMNP-QRSTU"},
		{"lowercase", "abcde-fghij-klmnp-qrstu", "ABCDE-FGHIJ-KLMNP-QRSTU"},
		{"spaces instead of dashes", "ABCDE FGHIJ KLMNP QRSTU", "ABCDE-FGHIJ-KLMNP-QRSTU"},
		{"no separators", "ABCDEFGHIJKLMNPQRSTU", "ABCDE-FGHIJ-KLMNP-QRSTU"},
		{"mixed separators and case", " abCDE-fghij klmnp-QRSTU ", "ABCDE-FGHIJ-KLMNP-QRSTU"},
		{"short input left ungrouped", "ABC", "ABC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.in, 5))
		})
	}
}

func TestNormalizeKeyZeroGroupSize(t *testing.T) {
	assert.Equal(t, "ABCDEF", NormalizeKey("ab-cd ef", 0))
}
