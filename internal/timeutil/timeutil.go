// Package timeutil normalizes user-supplied timestamps into canonical UTC
// instants and derives scheduling delays from them.
//
// All arithmetic operates on absolute instants, never on local wall-clock
// fields, so it is correct across DST transitions and leap years.
package timeutil

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidFormat is returned when an input timestamp cannot be parsed.
	ErrInvalidFormat = errors.New("timeutil: invalid timestamp format")

	// ErrNotInFuture is returned by ComputeDelay when the instant is not
	// strictly after the current UTC wall clock.
	ErrNotInFuture = errors.New("timeutil: instant is not in the future")
)

// InstantFormat is the canonical wire representation of an instant:
// UTC, millisecond precision, trailing Z.
const InstantFormat = "2006-01-02T15:04:05.000Z"

// Offset-less layouts accepted by Normalize, tried in order.
// These are interpreted as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize converts an arbitrary timestamp input into a UTC instant.
//
// Accepted inputs:
//   - time.Time — passed through, converted to UTC.
//   - int64 / float64 — UTC milliseconds since the Unix epoch (float64 shows
//     up when the value crossed a JSON decoder).
//   - string with an explicit offset or zone designator (RFC 3339) —
//     converted to UTC preserving the same instant.
//   - offset-less string — interpreted as UTC.
//
// Anything else, including unparsable strings, fails deterministically with
// ErrInvalidFormat.
func Normalize(input any) (time.Time, error) {
	switch v := input.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, fmt.Errorf("%w: zero time", ErrInvalidFormat)
		}
		return v.UTC(), nil

	case int64:
		if v <= 0 {
			return time.Time{}, fmt.Errorf("%w: non-positive unix ms %d", ErrInvalidFormat, v)
		}
		return time.UnixMilli(v).UTC(), nil

	case float64:
		if v <= 0 {
			return time.Time{}, fmt.Errorf("%w: non-positive unix ms %v", ErrInvalidFormat, v)
		}
		return time.UnixMilli(int64(v)).UTC(), nil

	case string:
		return parseString(v)

	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidFormat, input)
	}
}

// parseString tries offset-qualified layouts first, then offset-less ones.
func parseString(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty string", ErrInvalidFormat)
	}

	// RFC 3339 covers both "Z" and explicit numeric offsets.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	// Offset-less strings are interpreted as UTC, per the API contract.
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// IsFuture reports whether t is strictly after the current UTC wall clock.
func IsFuture(t time.Time) bool {
	return t.After(time.Now().UTC())
}

// ComputeDelay returns the duration from now until t, floored to whole
// milliseconds. It fails with ErrNotInFuture when t is not strictly after
// now, so the result is never negative. Callers must normalize and
// future-check before computing a delay.
func ComputeDelay(t time.Time) (time.Duration, error) {
	d := time.Until(t)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotInFuture, FormatInstant(t))
	}
	// Truncate floors toward zero; d is positive here.
	return d.Truncate(time.Millisecond), nil
}

// FormatInstant renders t in the canonical UTC millisecond format.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantFormat)
}

// FormatMs renders a UTC-millisecond timestamp in the canonical format.
func FormatMs(ms int64) string {
	return FormatInstant(time.UnixMilli(ms))
}
