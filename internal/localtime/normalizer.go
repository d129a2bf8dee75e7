// Package localtime converts caller-supplied datetime strings into absolute
// instants. Input without offset information is interpreted in a single fixed
// reference civil timezone, never as UTC and never per-user.
package localtime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const formatHint = "expected e.g. 2006-01-02 15:04:05 or RFC3339"

var (
	// ErrInvalidTimeFormat marks input that does not decompose into
	// year/month/day hour/minute/second components.
	ErrInvalidTimeFormat = errors.New("invalid time format, " + formatHint)
	// ErrInvalidTimeValue marks well-formed input whose components do not
	// form a valid calendar instant.
	ErrInvalidTimeValue = errors.New("invalid time value, " + formatHint)
)

// Layouts carrying explicit offset/zone information; parsed as given.
var offsetLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
}

// Timezone-naive layouts; interpreted in the reference civil zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

const displayLayout = "2006-01-02 15:04:05 MST"

var componentPattern = regexp.MustCompile(
	`^(\d{4})-(\d{1,2})-(\d{1,2})(?:[T ](\d{1,2}):(\d{1,2})(?::(\d{1,2}))?)?`,
)

// Normalized is the result of interpreting one datetime string: the absolute
// instant plus its human-readable representation in the reference zone.
type Normalized struct {
	Instant      time.Time
	LocalDisplay string
}

// Normalizer interprets datetime strings against a fixed reference zone.
// It is pure: no global state, same input always yields the same output.
type Normalizer struct {
	loc *time.Location
}

func NewNormalizer(zone string) (*Normalizer, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(zone))
	if err != nil {
		return nil, fmt.Errorf("failed to load reference timezone %q: %w", zone, err)
	}
	return &Normalizer{loc: loc}, nil
}

// Location returns the fixed reference civil zone.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize parses value into an absolute instant. Offset-bearing input is
// parsed as given; naive input is interpreted in the reference zone.
func (n *Normalizer) Normalize(value string) (Normalized, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Normalized{}, fmt.Errorf("%w: empty input", ErrInvalidTimeFormat)
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return n.normalized(t), nil
		}
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, n.loc); err == nil {
			return n.normalized(t), nil
		}
	}

	// All layouts failed. If the string still decomposes into date/time
	// components with one of them out of calendar range, the shape was fine
	// and the values were not.
	if componentsInRange, ok := decompose(trimmed); ok && !componentsInRange {
		return Normalized{}, fmt.Errorf("%w: %q", ErrInvalidTimeValue, trimmed)
	}

	return Normalized{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, trimmed)
}

// FromTime wraps an already-known instant in the same normalized shape,
// for callers that default a missing datetime to "now".
func (n *Normalizer) FromTime(t time.Time) Normalized {
	return n.normalized(t)
}

func (n *Normalizer) normalized(t time.Time) Normalized {
	return Normalized{
		Instant:      t.UTC(),
		LocalDisplay: t.In(n.loc).Format(displayLayout),
	}
}

// decompose reports whether value matches the date/time component shape and,
// if so, whether every component falls inside calendar range.
func decompose(value string) (inRange bool, ok bool) {
	m := componentPattern.FindStringSubmatch(value)
	if m == nil {
		return false, false
	}

	year := atoiDefault(m[1])
	month := atoiDefault(m[2])
	day := atoiDefault(m[3])
	hour := atoiDefault(m[4])
	minute := atoiDefault(m[5])
	second := atoiDefault(m[6])

	if month < 1 || month > 12 {
		return false, true
	}
	if day < 1 || day > daysInMonth(year, month) {
		return false, true
	}
	if hour > 23 || minute > 59 || second > 59 {
		return false, true
	}
	return true, true
}

func atoiDefault(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func daysInMonth(year, month int) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC).Day()
}
