// Package schedule decides whether schedule entries want their relay on.
package schedule

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
)

type Evaluator struct {
	zone *tz.Zone
}

func NewEvaluator(zone *tz.Zone) *Evaluator {
	return &Evaluator{zone: zone}
}

func (e *Evaluator) Zone() *tz.Zone { return e.zone }

// IsActive reports whether entry wants its relay on at now. Disabled entries
// and entries whose stored times cannot be parsed are never active.
func (e *Evaluator) IsActive(entry model.ScheduleEntry, now time.Time) bool {
	if !entry.Enabled {
		return false
	}

	if entry.Recurrence == model.RecurrenceWeekly && !slices.Contains(entry.DaysOfWeek, e.zone.Weekday(now)) {
		return false
	}

	switch entry.Recurrence {
	case model.RecurrenceOnce:
		start, err := e.zone.ParseInstant(entry.StartTime)
		if err != nil {
			logUnparseable(entry, err)
			return false
		}
		end, err := e.zone.ParseInstant(entry.EndTime)
		if err != nil {
			logUnparseable(entry, err)
			return false
		}
		return !now.Before(start) && !now.After(end)

	case model.RecurrenceDaily, model.RecurrenceWeekly:
		start, err := tz.ParseClock(entry.StartTime)
		if err != nil {
			logUnparseable(entry, err)
			return false
		}
		end, err := tz.ParseClock(entry.EndTime)
		if err != nil {
			logUnparseable(entry, err)
			return false
		}
		return inWindow(e.zone.MinutesOfDay(now), start, end)
	}

	log.Warn().
		Str("id", entry.ID).
		Str("recurrence", string(entry.Recurrence)).
		Msg("Unknown recurrence, treating schedule as inactive")
	return false
}

// Desired ORs IsActive over entries. No entries means off.
func (e *Evaluator) Desired(entries []model.ScheduleEntry, now time.Time) bool {
	for _, entry := range entries {
		if e.IsActive(entry, now) {
			return true
		}
	}
	return false
}

// inWindow handles windows that wrap past midnight (end < start).
func inWindow(now, start, end int) bool {
	if end >= start {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

func logUnparseable(entry model.ScheduleEntry, err error) {
	log.Warn().
		Err(err).
		Str("id", entry.ID).
		Str("start", entry.StartTime).
		Str("end", entry.EndTime).
		Msg("Unparseable schedule time, treating schedule as inactive")
}
