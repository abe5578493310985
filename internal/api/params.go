package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrors "cratis/internal/errors"
)

// ParseTime reads a point in time as RFC3339, a date, unix nanoseconds, or
// a duration meaning that long before now. Empty, "now" and "latest" yield
// the zero time, which every query treats as "latest".
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "now", "latest":
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(0, n).UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, cerrors.ValidationError(
		fmt.Sprintf("invalid time %q: want RFC3339, YYYY-MM-DD, unix nanoseconds or a duration ago", s), s)
}

// FormatTime is the inverse of ParseTime used on the wire. It is exact to
// the nanosecond.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}
