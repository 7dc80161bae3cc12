package db

import (
	"database/sql"
	"time"
)

// ListEventsCLI returns the newest events for the debug tool.
func ListEventsCLI(dbPath string, limit int) ([]RelayEvent, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return GetRecentEvents(db, limit)
}

func PruneEventsCLI(dbPath string, olderThan time.Duration) (int64, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return PruneRelayEvents(db, time.Now().Add(-olderThan))
}
