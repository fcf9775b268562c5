// Package clock resolves "now" in the bot's single civil timezone and
// provides the wall-clock arithmetic shared by the trigger engine, the
// activity tracker and the admin report.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Func adapts a function to Clock. Tests use it to pin or advance time.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Resolver pins a Clock to one IANA location.
type Resolver struct {
	clock Clock
	loc   *time.Location
}

// NewResolver loads tz ("" means the host's local zone).
func NewResolver(tz string, c Clock) (*Resolver, error) {
	if c == nil {
		c = System{}
	}
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("clock: invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	return &Resolver{clock: c, loc: loc}, nil
}

// Fixed returns a Resolver in loc. Mainly for tests.
func Fixed(loc *time.Location, c Clock) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	if c == nil {
		c = System{}
	}
	return &Resolver{clock: c, loc: loc}
}

func (r *Resolver) Location() *time.Location { return r.loc }

// Now returns the current instant expressed in the configured zone.
func (r *Resolver) Now() time.Time { return r.clock.Now().In(r.loc) }

// Today returns the current civil date.
func (r *Resolver) Today() Date { return DateOf(r.Now()) }

// Date is a civil date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// TimeOfDay is a local wall-clock time, minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "H:M" or "HH:MM" with hour 0-23 and minute 0-59.
// Surrounding whitespace is ignored; anything else is rejected.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := parseClockField(hs)
	if err != nil || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := parseClockField(ms)
	if err != nil || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// parseClockField accepts one or two ASCII digits.
func parseClockField(s string) (int, error) {
	if len(s) < 1 || len(s) > 2 {
		return 0, fmt.Errorf("bad field %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("bad field %q", s)
		}
	}
	return strconv.Atoi(s)
}

// String renders zero-padded HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant at t on the civil day of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// NextOccurrence returns today's date at t when that instant is still
// ahead of now, otherwise tomorrow's. now's location decides the civil day.
func NextOccurrence(now time.Time, t TimeOfDay) time.Time {
	at := t.On(now)
	if !at.After(now) {
		y, m, d := now.Date()
		at = time.Date(y, m, d+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return at
}

// PartOfDay buckets an hour: 5-11 morning, 12-17 afternoon, else evening.
func PartOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
