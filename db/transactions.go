package db

import (
	"database/sql"
	"fmt"
	"time"
)

// timestamps are stored fixed-width in UTC so they sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// RelayEvent is one applied relay write.
type RelayEvent struct {
	ID         int64     `json:"id"`
	SlaveID    uint8     `json:"slaveId"`
	Relay      int       `json:"relay"`
	State      bool      `json:"state"`
	Source     string    `json:"source"`
	ScheduleID string    `json:"scheduleId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func InsertRelayEventWithTx(tx *sql.Tx, ev RelayEvent) (int64, error) {
	var scheduleID any
	if ev.ScheduleID != "" {
		scheduleID = ev.ScheduleID
	}
	res, err := tx.Exec(`INSERT INTO relay_events (slave_id, relay, state, source, schedule_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SlaveID, ev.Relay, ev.State, ev.Source, scheduleID, ev.OccurredAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("insert relay event: %w", err)
	}
	return res.LastInsertId()
}

func InsertRelayEvent(db *sql.DB, ev RelayEvent) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	id, err := InsertRelayEventWithTx(tx, ev)
	if err != nil {
		RollbackTransaction(tx)
		return 0, err
	}
	return id, CommitTransaction(tx)
}

// PruneRelayEvents deletes events older than before and returns how many
// were removed.
func PruneRelayEvents(db *sql.DB, before time.Time) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM relay_events WHERE occurred_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		RollbackTransaction(tx)
		return 0, fmt.Errorf("prune relay events: %w", err)
	}
	if err := CommitTransaction(tx); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recorder adapts a database handle to the reconciler's history hook.
type Recorder struct {
	DB *sql.DB
}

func (r Recorder) Record(ev RelayEvent) error {
	_, err := InsertRelayEvent(r.DB, ev)
	return err
}
