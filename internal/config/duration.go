package config

import (
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
)

// Duration is a time.Duration that travels through the runtime config API
// as a Go duration string ("240s", "2m"). Plain JSON numbers are read as
// whole seconds, which is how the compute service reports its own timings.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := gojson.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	var parsed time.Duration
	switch v := raw.(type) {
	case string:
		p, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("duration %q: %w", v, err)
		}
		parsed = p
	case float64:
		parsed = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("duration: want a string or a number of seconds, got %s", b)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %s: must not be negative", parsed)
	}
	*d = Duration(parsed)
	return nil
}
