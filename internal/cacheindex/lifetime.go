package cacheindex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLifetime is how long a cached record is kept when no lifetime is given.
const DefaultLifetime = 48 * time.Hour

// ErrInvalidLifetime is returned when a lifetime string cannot be parsed.
var ErrInvalidLifetime = errors.New("invalid lifetime")

var lifetimeUnits = map[string]time.Duration{
	"ms": time.Millisecond, "msec": time.Millisecond, "msecs": time.Millisecond,
	"millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
	"y": 8766 * time.Hour, "yr": 8766 * time.Hour, "yrs": 8766 * time.Hour,
	"year": 8766 * time.Hour, "years": 8766 * time.Hour,
}

// ParseLifetime converts a lifetime string to a duration. It accepts Go
// duration syntax ("90m", "1h30m"), human strings such as "2 days" or
// "1 hour", and bare numbers, which are milliseconds.
func ParseLifetime(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidLifetime)
	}

	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrInvalidLifetime, s)
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrInvalidLifetime, s)
		}
		return d, nil
	}

	i := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r == '.')
	})
	if i <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLifetime, s)
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLifetime, s)
	}
	unit, ok := lifetimeUnits[strings.TrimSpace(s[i:])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidLifetime, s)
	}
	return time.Duration(n * float64(unit)), nil
}
