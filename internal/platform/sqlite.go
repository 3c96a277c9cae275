package platform

import (
	"context"
	"database/sql"
	"fmt"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// sqliteBusyTimeoutMs is the SQLite busy_timeout pragma value in
// milliseconds. Lock waits between the gateway and the workers resolve
// within a few milliseconds in practice; 5 seconds is generous.
const sqliteBusyTimeoutMs = 5000

// OpenSQLite opens (creating if missing) the sqlite database at path,
// configured for a single concurrent writer with WAL journaling.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		path, sqliteBusyTimeoutMs,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the worker pool and the gateway while the
	// busy_timeout covers readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", path, err)
	}
	return db, nil
}
