package flagstore

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peace-maker/anthill/internal/config"
)

func TestNormalize(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z0-9]{31}=$`)
	valid := "ABCDEFGHIJKLMNOPQRSTUVWXYZ01234="

	tests := []struct {
		name    string
		n       *Normalizer
		raw     string
		want    string
		wantErr bool
	}{
		{"exact", NewNormalizer(pattern, config.FlagCasePreserve), valid, valid, false},
		{"trimmed", NewNormalizer(pattern, config.FlagCasePreserve), "\t" + valid + " \n", valid, false},
		{"upper", NewNormalizer(pattern, config.FlagCaseUpper), "abcdefghijklmnopqrstuvwxyz01234=", valid, false},
		{"preserve rejects lower", NewNormalizer(pattern, config.FlagCasePreserve), "abcdefghijklmnopqrstuvwxyz01234=", "", true},
		{"lower", NewNormalizer(nil, config.FlagCaseLower), "FLAG{X}", "flag{x}", false},
		{"empty", NewNormalizer(nil, config.FlagCasePreserve), "  ", "", true},
		{"nil normalizer trims", nil, " F ", "F", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.n.Normalize(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedFlag)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
