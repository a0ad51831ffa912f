package store

import (
	"database/sql"
	"time"
)

// UpsertPresence records a user's online state and publishes the change.
func (db *DB) UpsertPresence(p *Presence) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO presence (user_id, online, last_active_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			online = excluded.online,
			last_active_at = excluded.last_active_at,
			updated_at = excluded.updated_at`,
		p.UserID, p.Online, p.LastActiveAt, now)
	if err != nil {
		return err
	}
	db.publish("doc.presence.updated", p.UserID)
	return nil
}

// GetPresence returns a user's presence, or nil if never recorded.
func (db *DB) GetPresence(userID string) (*Presence, error) {
	var p Presence
	err := db.QueryRow(`
		SELECT user_id, online, last_active_at FROM presence WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Online, &p.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
