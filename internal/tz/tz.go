// Package tz holds the one conversion between wall-clock input and the
// controller's governing timezone. Every schedule comparison goes through a
// Zone so that evaluation and reconciliation agree on what "now" means.
package tz

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const DefaultLocation = "Asia/Bangkok"

// offset-less layouts are read as wall time in the zone
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

type Zone struct {
	loc *time.Location
	now func() time.Time
}

// Load resolves an IANA name; an empty name falls back to DefaultLocation.
func Load(name string) (*Zone, error) {
	if name == "" {
		name = DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return New(loc), nil
}

func New(loc *time.Location) *Zone {
	return &Zone{loc: loc, now: time.Now}
}

// WithClock returns a copy of z whose Now reads from now.
func (z *Zone) WithClock(now func() time.Time) *Zone {
	return &Zone{loc: z.loc, now: now}
}

func (z *Zone) Location() *time.Location { return z.loc }

func (z *Zone) Now() time.Time { return z.ToZoned(z.now()) }

// ToZoned expresses t in the zone. The instant is unchanged.
func (z *Zone) ToZoned(t time.Time) time.Time { return t.In(z.loc) }

// MinutesOfDay is the zoned time-of-day in whole minutes since midnight.
func (z *Zone) MinutesOfDay(t time.Time) int {
	zt := z.ToZoned(t)
	return zt.Hour()*60 + zt.Minute()
}

// Weekday is the zoned weekday, 0=Sunday.
func (z *Zone) Weekday(t time.Time) int {
	return int(z.ToZoned(t).Weekday())
}

// ParseInstant accepts RFC3339 (converted into the zone) or an offset-less
// date-time which is taken as wall time in the zone.
func (z *Zone) ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return z.ToZoned(t), nil
	}
	for _, layout := range localLayouts {
		if wall, err := time.Parse(layout, s); err == nil {
			return z.wallTime(wall), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date-time %q", s)
}

// wallTime places the clock fields of wall (read as UTC) in the zone. A wall
// time skipped by a forward DST jump moves forward by the size of the jump,
// so 02:30 on a spring-forward night becomes 03:30.
func (z *Zone) wallTime(wall time.Time) time.Time {
	t := time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), z.loc)
	if sameWallClock(t, wall) {
		return t
	}
	// transitions are never a day apart
	_, before := wall.Add(-24 * time.Hour).In(z.loc).Zone()
	return wall.Add(-time.Duration(before) * time.Second).In(z.loc)
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

// FormatInstant renders t as RFC3339 in the zone.
func (z *Zone) FormatInstant(t time.Time) string {
	return z.ToZoned(t).Format(time.RFC3339)
}

// ParseClock parses "HH:MM" (seconds, if present, are ignored) into minutes
// since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		sec, err := strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
