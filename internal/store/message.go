package store

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, msg_id, sender_id, kind, body, mime, name, size,
	width, height, duration_ms, canonical_ref, local_path, download_state,
	status, deleted, delivered_at, read_at, deleted_for, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var deliveredAt, readAt, deletedFor string
	err := row.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Kind, &m.Text,
		&m.Mime, &m.Name, &m.Size, &m.Width, &m.Height, &m.DurationMs,
		&m.CanonicalRef, &m.LocalPath, &m.DownloadState, &m.Status, &m.Deleted,
		&deliveredAt, &readAt, &deletedFor, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.DeliveredAt = decodeTimeMap(deliveredAt)
	m.ReadAt = decodeTimeMap(readAt)
	m.DeletedFor = decodeStrings(deletedFor)
	return &m, nil
}

// PutMessage inserts or fully updates a message (idempotent on
// conversation_id + msg_id) and publishes doc.message.created or
// doc.message.updated with before/after snapshots.
func (db *DB) PutMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := getMessageTx(tx, m.ConversationID, m.MsgID)
	if err != nil {
		return err
	}

	if m.DownloadState == "" {
		m.DownloadState = DownloadIdle
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	deletedFor := m.DeletedFor
	if deletedFor == nil {
		deletedFor = []string{}
	}

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, kind, body, mime, name, size,
			width, height, duration_ms, canonical_ref, local_path, download_state,
			status, deleted, delivered_at, read_at, deleted_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			kind = excluded.kind,
			body = excluded.body,
			mime = excluded.mime,
			name = excluded.name,
			size = excluded.size,
			width = excluded.width,
			height = excluded.height,
			duration_ms = excluded.duration_ms,
			canonical_ref = excluded.canonical_ref,
			local_path = excluded.local_path,
			download_state = excluded.download_state,
			status = excluded.status,
			deleted = excluded.deleted,
			delivered_at = excluded.delivered_at,
			read_at = excluded.read_at,
			deleted_for = excluded.deleted_for,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.MsgID, m.SenderID, m.Kind, m.Text, m.Mime, m.Name, m.Size,
		m.Width, m.Height, m.DurationMs, m.CanonicalRef, m.LocalPath, m.DownloadState,
		m.Status, m.Deleted, encodeJSON(m.DeliveredAt), encodeJSON(m.ReadAt),
		encodeJSON(deletedFor), m.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	after, err := getMessageTx(tx, m.ConversationID, m.MsgID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	topic := "doc.message.updated"
	if before == nil {
		topic = "doc.message.created"
	}
	db.publish(topic, MessageEvent{
		ConversationID: m.ConversationID,
		MsgID:          m.MsgID,
		Before:         before,
		After:          after,
	})
	return nil
}

// GetMessage returns a single message, or nil if absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func getMessageTx(tx *sql.Tx, conversationID, msgID string) (*Message, error) {
	m, err := scanMessage(tx.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns the most recent messages of a conversation, newest
// first. This is the snapshot shape conversation subscriptions deliver.
func (db *DB) ListMessages(conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

var downloadTransitions = map[string][]string{
	DownloadIdle:        {DownloadPending},
	DownloadPending:     {DownloadDownloading},
	DownloadDownloading: {DownloadDone, DownloadFailed},
	DownloadFailed:      {DownloadPending},
	DownloadDone:        {},
}

// SetDownloadState advances a message's download state. Invalid
// transitions (including anything away from done) are rejected.
func (db *DB) SetDownloadState(conversationID, msgID, state string) error {
	return db.setDownload(conversationID, msgID, state, "")
}

// FinishDownload marks a download done, records the local path and
// overwrites the canonical ref with it so future resolution
// short-circuits.
func (db *DB) FinishDownload(conversationID, msgID, localPath string) error {
	return db.setDownload(conversationID, msgID, DownloadDone, localPath)
}

func (db *DB) setDownload(conversationID, msgID, state, localPath string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := getMessageTx(tx, conversationID, msgID)
	if err != nil {
		return err
	}
	if before == nil {
		return fmt.Errorf("message %s/%s not found", conversationID, msgID)
	}
	if !transitionAllowed(downloadTransitions, before.DownloadState, state) {
		return fmt.Errorf("invalid download transition %s -> %s for %s", before.DownloadState, state, msgID)
	}

	now := time.Now().UnixMilli()
	if localPath != "" {
		_, err = tx.Exec(`
			UPDATE messages SET download_state = ?, local_path = ?, canonical_ref = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			state, localPath, localPath, now, conversationID, msgID)
	} else {
		_, err = tx.Exec(`
			UPDATE messages SET download_state = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			state, now, conversationID, msgID)
	}
	if err != nil {
		return fmt.Errorf("update download state: %w", err)
	}

	after, err := getMessageTx(tx, conversationID, msgID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.publish("doc.message.updated", MessageEvent{
		ConversationID: conversationID,
		MsgID:          msgID,
		Before:         before,
		After:          after,
	})
	return nil
}

func transitionAllowed(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarkDelivered transitions the given incoming messages from sent to
// delivered in one transaction, stamping the recipient's delivered
// timestamp. Messages in any other status are left untouched, so the call
// can never regress read or re-deliver.
func (db *DB) MarkDelivered(conversationID string, msgIDs []string, recipientID string, ts int64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var events []MessageEvent
	now := time.Now().UnixMilli()
	for _, msgID := range msgIDs {
		before, err := getMessageTx(tx, conversationID, msgID)
		if err != nil {
			return err
		}
		if before == nil || before.Status != StatusSent || before.SenderID == recipientID {
			continue
		}
		delivered := cloneTimeMap(before.DeliveredAt)
		delivered[recipientID] = ts
		_, err = tx.Exec(`
			UPDATE messages SET status = ?, delivered_at = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			StatusDelivered, encodeJSON(delivered), now, conversationID, msgID)
		if err != nil {
			return fmt.Errorf("mark delivered %s: %w", msgID, err)
		}
		after, err := getMessageTx(tx, conversationID, msgID)
		if err != nil {
			return err
		}
		events = append(events, MessageEvent{ConversationID: conversationID, MsgID: msgID, Before: before, After: after})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, evt := range events {
		db.publish("doc.message.updated", evt)
	}
	return nil
}

// MarkRead transitions all of readerID's incoming sent/delivered messages
// in the conversation to read and zeroes the reader's unread counter, all
// in one transaction. Redundant calls are no-ops.
func (db *DB) MarkRead(conversationID, readerID string, ts int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status IN (?, ?)`,
		conversationID, readerID, StatusSent, StatusDelivered)
	if err != nil {
		return err
	}
	var qualifying []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		qualifying = append(qualifying, m)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var events []MessageEvent
	now := time.Now().UnixMilli()
	for _, before := range qualifying {
		readAt := cloneTimeMap(before.ReadAt)
		readAt[readerID] = ts
		delivered := cloneTimeMap(before.DeliveredAt)
		if _, ok := delivered[readerID]; !ok {
			delivered[readerID] = ts
		}
		_, err = tx.Exec(`
			UPDATE messages SET status = ?, read_at = ?, delivered_at = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			StatusRead, encodeJSON(readAt), encodeJSON(delivered), now, conversationID, before.MsgID)
		if err != nil {
			return fmt.Errorf("mark read %s: %w", before.MsgID, err)
		}
		after, err := getMessageTx(tx, conversationID, before.MsgID)
		if err != nil {
			return err
		}
		events = append(events, MessageEvent{ConversationID: conversationID, MsgID: before.MsgID, Before: before, After: after})
	}

	if err := resetUnreadTx(tx, conversationID, readerID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, evt := range events {
		db.publish("doc.message.updated", evt)
	}
	db.publish("doc.conversation.updated", conversationID)
	return nil
}

// DeleteForUser hides the given messages for one user (soft delete): the
// user id is unioned into each message's deleted_for set.
func (db *DB) DeleteForUser(conversationID string, msgIDs []string, userID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var events []MessageEvent
	now := time.Now().UnixMilli()
	for _, msgID := range msgIDs {
		before, err := getMessageTx(tx, conversationID, msgID)
		if err != nil {
			return err
		}
		if before == nil || before.HiddenFor(userID) {
			continue
		}
		deletedFor := append(append([]string{}, before.DeletedFor...), userID)
		_, err = tx.Exec(`
			UPDATE messages SET deleted_for = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			encodeJSON(deletedFor), now, conversationID, msgID)
		if err != nil {
			return fmt.Errorf("delete for user %s: %w", msgID, err)
		}
		after, err := getMessageTx(tx, conversationID, msgID)
		if err != nil {
			return err
		}
		events = append(events, MessageEvent{ConversationID: conversationID, MsgID: msgID, Before: before, After: after})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, evt := range events {
		db.publish("doc.message.updated", evt)
	}
	return nil
}

// DeleteForEveryone blanks the content of the given messages and marks
// them deleted. The rows stay so ordering and receipts remain stable for
// other members.
func (db *DB) DeleteForEveryone(conversationID string, msgIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var events []MessageEvent
	now := time.Now().UnixMilli()
	for _, msgID := range msgIDs {
		before, err := getMessageTx(tx, conversationID, msgID)
		if err != nil {
			return err
		}
		if before == nil || before.Deleted {
			continue
		}
		_, err = tx.Exec(`
			UPDATE messages SET deleted = 1, body = '', canonical_ref = '', local_path = '', updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`,
			now, conversationID, msgID)
		if err != nil {
			return fmt.Errorf("delete for everyone %s: %w", msgID, err)
		}
		after, err := getMessageTx(tx, conversationID, msgID)
		if err != nil {
			return err
		}
		events = append(events, MessageEvent{ConversationID: conversationID, MsgID: msgID, Before: before, After: after})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, evt := range events {
		db.publish("doc.message.updated", evt)
	}
	return nil
}

func cloneTimeMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
