package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pigeonchat/pigeon/internal/bus"
)

// DB wraps a SQLite database connection and publishes a document event on
// the bus after every committed write. Subscribers treat those events as
// invalidation signals and re-query for a fresh snapshot, which gives the
// full-replacement semantics the sync layer expects.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended
// pragmas. The bus may be nil when no realtime delivery is needed.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

func (db *DB) publish(topic string, payload any) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{Topic: topic, At: time.Now(), Payload: payload})
}
