package chat

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDuration = errors.New("invalid duration")

var durationRe = regexp.MustCompile(`^\s*(\d+)\s*([smhdw])\s*$`)

var spanUnits = []struct {
	suffix string
	size   time.Duration
}{
	{"w", 7 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// FormatUTC renders t as second-precision RFC 3339 in UTC. Stored timestamps
// use this form so that lexical and chronological order agree.
func FormatUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func ParseUTC(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseDuration parses the compact chat form: 30m, 6h, 2d, 1w.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	for _, u := range spanUnits {
		if u.suffix != m[2] {
			continue
		}
		if n > math.MaxInt64/int64(u.size) {
			return 0, fmt.Errorf("%w: %q out of range", ErrInvalidDuration, s)
		}
		return time.Duration(n) * u.size, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
}

// FormatSpan is the inverse of ParseDuration using the largest exact unit.
func FormatSpan(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	for _, u := range spanUnits {
		if d%u.size == 0 {
			return fmt.Sprintf("%d%s", d/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

func WindowLabel(d time.Duration) string {
	return "last " + FormatSpan(d)
}

// ParseDailyTime parses HH:MM.
func ParseDailyTime(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid daily time %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ApproxSpan renders d rounded to its most natural unit, e.g. 23h59m as 24h.
func ApproxSpan(d time.Duration) string {
	secs := int64(d / time.Second)
	round := func(unit int64) int64 {
		n := (secs + unit/2) / unit
		if n < 1 {
			n = 1
		}
		return n
	}
	switch {
	case secs <= 0:
		return "0s"
	case secs < 90:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", round(60))
	case secs < 86400:
		return fmt.Sprintf("%dh", round(3600))
	case secs < 7*86400:
		return fmt.Sprintf("%dd", round(86400))
	default:
		return fmt.Sprintf("%dw", round(7*86400))
	}
}

// WindowRange renders [start, end) the way digest headers show it.
func WindowRange(start, end time.Time) string {
	return FormatUTC(start) + " → " + FormatUTC(end)
}
