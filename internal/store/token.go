package store

import "time"

// UpsertDeviceToken registers or refreshes a push endpoint. Keyed by
// user+install so a rotated token overwrites the old record instead of
// accumulating duplicates.
func (db *DB) UpsertDeviceToken(t *DeviceToken) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO device_tokens (user_id, install_id, token, platform, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, install_id) DO UPDATE SET
			token = excluded.token,
			platform = excluded.platform,
			updated_at = excluded.updated_at`,
		t.UserID, t.InstallID, t.Token, t.Platform, now)
	return err
}

// TokensForUsers returns all device tokens registered for the given users.
func (db *DB) TokensForUsers(userIDs []string) ([]DeviceToken, error) {
	var tokens []DeviceToken
	for _, userID := range userIDs {
		rows, err := db.Query(`
			SELECT user_id, install_id, token, platform, updated_at
			FROM device_tokens WHERE user_id = ?`, userID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var t DeviceToken
			if err := rows.Scan(&t.UserID, &t.InstallID, &t.Token, &t.Platform, &t.UpdatedAt); err != nil {
				_ = rows.Close()
				return nil, err
			}
			tokens = append(tokens, t)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

// PruneToken removes every record carrying a token the push service
// reported as invalid or unregistered, across all users.
func (db *DB) PruneToken(token string) error {
	_, err := db.Exec(`DELETE FROM device_tokens WHERE token = ?`, token)
	return err
}

// DeleteDeviceToken removes one installation's registration.
func (db *DB) DeleteDeviceToken(userID, installID string) error {
	_, err := db.Exec(`DELETE FROM device_tokens WHERE user_id = ? AND install_id = ?`, userID, installID)
	return err
}
