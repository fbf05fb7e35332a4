package config

import (
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Sample renders the default configuration as anthill.yaml content.
func Sample() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	return yaml.Marshal(humanize(v.AllSettings()))
}

// humanize rewrites durations as "1m0s" strings so the sample round-trips
// through viper's duration decoding instead of showing nanosecond counts.
func humanize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case time.Duration:
			out[k] = tv.String()
		case map[string]any:
			out[k] = humanize(tv)
		default:
			out[k] = val
		}
	}
	return out
}
