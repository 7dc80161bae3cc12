package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const eventColumns = `id, slave_id, relay, state, source, COALESCE(schedule_id, ''), occurred_at`

func scanEvent(row interface{ Scan(...any) error }) (RelayEvent, error) {
	var ev RelayEvent
	var occurred string
	if err := row.Scan(&ev.ID, &ev.SlaveID, &ev.Relay, &ev.State, &ev.Source, &ev.ScheduleID, &occurred); err != nil {
		return ev, err
	}
	t, err := time.Parse(timeLayout, occurred)
	if err != nil {
		return ev, fmt.Errorf("parse occurred_at %q: %w", occurred, err)
	}
	ev.OccurredAt = t
	return ev, nil
}

// GetRelayEvents returns the most recent events for one relay, newest first.
func GetRelayEvents(db *sql.DB, slaveID uint8, relay, limit int) ([]RelayEvent, error) {
	rows, err := db.Query(`SELECT `+eventColumns+` FROM relay_events WHERE slave_id = ? AND relay = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		slaveID, relay, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay events: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// GetRecentEvents returns the most recent events across all relays.
func GetRecentEvents(db *sql.DB, limit int) ([]RelayEvent, error) {
	rows, err := db.Query(`SELECT `+eventColumns+` FROM relay_events ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay events: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// GetLastRelayEvent returns the newest event for a relay, or ok=false.
func GetLastRelayEvent(db *sql.DB, slaveID uint8, relay int) (ev RelayEvent, ok bool, err error) {
	row := db.QueryRow(`SELECT `+eventColumns+` FROM relay_events WHERE slave_id = ? AND relay = ? ORDER BY occurred_at DESC, id DESC LIMIT 1`,
		slaveID, relay)
	ev, err = scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RelayEvent{}, false, nil
	}
	if err != nil {
		return RelayEvent{}, false, fmt.Errorf("failed to get last relay event: %w", err)
	}
	return ev, true, nil
}

func collect(rows *sql.Rows) ([]RelayEvent, error) {
	var out []RelayEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relay event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
