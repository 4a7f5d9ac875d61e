package hiveconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses the `<int><unit>` duration strings spec §6 names
// (units ms|s|m) from YAML, while still being usable as a plain
// time.Duration everywhere else in the core.
type Duration time.Duration

// UnmarshalYAML accepts either a bare integer (seconds) or a
// `<int><unit>` string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// ParseDuration parses a `<int><unit>` string with units ms|s|m.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, unit := range []string{"ms", "s", "m"} {
		if strings.HasSuffix(s, unit) {
			numPart := strings.TrimSuffix(s, unit)
			n, err := strconv.Atoi(numPart)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			switch unit {
			case "ms":
				return time.Duration(n) * time.Millisecond, nil
			case "s":
				return time.Duration(n) * time.Second, nil
			case "m":
				return time.Duration(n) * time.Minute, nil
			}
		}
	}
	return 0, fmt.Errorf("invalid duration %q: must end in ms, s, or m", s)
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
