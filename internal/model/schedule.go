package model

import (
	"encoding/json"
	"slices"

	"github.com/thatsimonsguy/relay-controller/internal/relayerr"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
)

// ScheduleEntry is one persisted schedule window for a relay. Times are kept
// as strings: an RFC3339 instant for once entries and "HH:MM" otherwise.
type ScheduleEntry struct {
	ID          string       `json:"id"`
	SlaveID     SlaveAddress `json:"slaveId"`
	RelayNumber int          `json:"relayNumber"`
	StartTime   string       `json:"startTime"`
	EndTime     string       `json:"endTime"`
	Recurrence  Recurrence   `json:"recurrence"`
	DaysOfWeek  []int        `json:"daysOfWeek,omitempty"`
	// Enabled is the policy flag. Disabled entries never evaluate active.
	Enabled bool `json:"enabled"`
	// Active mirrors the desired state last applied for this entry. It is
	// informational and never read back for decisions.
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (e ScheduleEntry) Ref() RelayRef {
	return RelayRef{Slave: e.SlaveID, Relay: e.RelayNumber}
}

func (e ScheduleEntry) Window() Window {
	return Window{Start: e.StartTime, End: e.EndTime, Recurrence: e.Recurrence, DaysOfWeek: e.DaysOfWeek}
}

// UnmarshalJSON defaults Enabled to true for documents written before the
// field existed.
func (e *ScheduleEntry) UnmarshalJSON(b []byte) error {
	type plain ScheduleEntry
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Validate checks the relay reference and the window.
func (e ScheduleEntry) Validate(z *tz.Zone) error {
	if err := e.Ref().Validate(); err != nil {
		return err
	}
	_, err := e.Window().Normalize(z)
	return err
}

// Window is the user-supplied timing of a schedule.
type Window struct {
	Start      string
	End        string
	Recurrence Recurrence
	DaysOfWeek []int
}

// Normalize validates w and returns it in canonical form: once bounds as
// RFC3339 in the zone, clock bounds as "HH:MM", weekly days sorted and
// de-duplicated. Days are dropped for non-weekly windows.
func (w Window) Normalize(z *tz.Zone) (Window, error) {
	if !w.Recurrence.Valid() {
		return Window{}, relayerr.Validation("recurrence must be once, daily or weekly, got %q", w.Recurrence)
	}
	out := Window{Recurrence: w.Recurrence}

	switch w.Recurrence {
	case RecurrenceOnce:
		start, err := z.ParseInstant(w.Start)
		if err != nil {
			return Window{}, relayerr.Validation("startTime: %v", err)
		}
		end, err := z.ParseInstant(w.End)
		if err != nil {
			return Window{}, relayerr.Validation("endTime: %v", err)
		}
		if end.Before(start) {
			return Window{}, relayerr.Validation("endTime %s is before startTime %s", w.End, w.Start)
		}
		out.Start, out.End = z.FormatInstant(start), z.FormatInstant(end)
	default:
		start, err := tz.ParseClock(w.Start)
		if err != nil {
			return Window{}, relayerr.Validation("startTime: %v", err)
		}
		end, err := tz.ParseClock(w.End)
		if err != nil {
			return Window{}, relayerr.Validation("endTime: %v", err)
		}
		out.Start, out.End = tz.FormatClock(start), tz.FormatClock(end)
	}

	if w.Recurrence == RecurrenceWeekly {
		if len(w.DaysOfWeek) == 0 {
			return Window{}, relayerr.Validation("daysOfWeek is required for weekly schedules")
		}
		days := make([]int, 0, len(w.DaysOfWeek))
		for _, d := range w.DaysOfWeek {
			if d < 0 || d > 6 {
				return Window{}, relayerr.Validation("daysOfWeek entries must be 0-6, got %d", d)
			}
			if !slices.Contains(days, d) {
				days = append(days, d)
			}
		}
		slices.Sort(days)
		out.DaysOfWeek = days
	}
	return out, nil
}

// Patch is a partial update of an entry. Nil fields are left unchanged.
type Patch struct {
	StartTime  *string     `json:"startTime,omitempty"`
	EndTime    *string     `json:"endTime,omitempty"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
	DaysOfWeek *[]int      `json:"daysOfWeek,omitempty"`
	Enabled    *bool       `json:"enabled,omitempty"`
}

func (p Patch) Empty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.Recurrence == nil && p.DaysOfWeek == nil && p.Enabled == nil
}

// Apply returns e with the patch applied. The result is not validated.
func (p Patch) Apply(e ScheduleEntry) ScheduleEntry {
	if p.StartTime != nil {
		e.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		e.EndTime = *p.EndTime
	}
	if p.Recurrence != nil {
		e.Recurrence = *p.Recurrence
	}
	if p.DaysOfWeek != nil {
		e.DaysOfWeek = slices.Clone(*p.DaysOfWeek)
	}
	if p.Enabled != nil {
		e.Enabled = *p.Enabled
	}
	return e
}
