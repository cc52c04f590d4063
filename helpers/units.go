package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSize parses a human-friendly size string like "500mib", "100MB" or
// "4096" into a byte count. Binary suffixes (kib/mib/gib) are powers of two,
// decimal suffixes (kb/mb/gb) are powers of ten, and bare k/m/g are treated
// as binary.
func ParseSize(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
		{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000},
		{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
		{"b", 1},
	}

	factor := int64(1)
	for _, m := range multipliers {
		if strings.HasSuffix(v, m.suffix) {
			factor = m.factor
			v = strings.TrimSpace(strings.TrimSuffix(v, m.suffix))
			break
		}
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	return n * factor, nil
}

// ParseDuration parses a duration string, additionally accepting a "d"
// suffix for days on top of time.ParseDuration's units.
func ParseDuration(s string) (time.Duration, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if strings.HasSuffix(v, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(v, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(v)
}
