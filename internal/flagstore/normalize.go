package flagstore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/peace-maker/anthill/internal/config"
)

// ErrMalformedFlag is returned for captures that are empty or do not match
// the configured flag pattern.
var ErrMalformedFlag = errors.New("malformed flag")

// Normalizer turns a raw captured string into the canonical flag value.
type Normalizer struct {
	pattern *regexp.Regexp
	flagCase config.FlagCase
}

// NewNormalizer creates a normalizer. A nil pattern accepts any non-empty
// value.
func NewNormalizer(pattern *regexp.Regexp, flagCase config.FlagCase) *Normalizer {
	return &Normalizer{pattern: pattern, flagCase: flagCase}
}

// Normalize trims surrounding whitespace, applies the case rule and checks
// the result against the pattern.
func (n *Normalizer) Normalize(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if n != nil {
		switch n.flagCase {
		case config.FlagCaseUpper:
			value = strings.ToUpper(value)
		case config.FlagCaseLower:
			value = strings.ToLower(value)
		}
	}
	if value == "" {
		return "", fmt.Errorf("%w: empty value", ErrMalformedFlag)
	}
	if n != nil && n.pattern != nil && !n.pattern.MatchString(value) {
		return "", fmt.Errorf("%w: %q does not match %s", ErrMalformedFlag, value, n.pattern)
	}
	return value, nil
}
