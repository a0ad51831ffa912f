package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// normalizeMembers returns a sorted copy of memberIDs, the canonical form
// member sets are stored and compared in.
func normalizeMembers(memberIDs []string) []string {
	sorted := append([]string{}, memberIDs...)
	sort.Strings(sorted)
	return sorted
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var members, unread, typing string
	err := row.Scan(&c.ID, &members, &unread, &typing, &c.LastMessage, &c.LastMessageAt)
	if err != nil {
		return nil, err
	}
	c.MemberIDs = decodeStrings(members)
	c.Unread = decodeIntMap(unread)
	c.Typing = decodeBoolMap(typing)
	return &c, nil
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`
		SELECT id, member_ids, unread, typing, last_message, last_message_at
		FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// FindByMembers returns the conversation whose member set equals
// memberIDs regardless of its id, or nil. Used for the legacy-key scan
// when the hash lookup misses.
func (db *DB) FindByMembers(memberIDs []string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`
		SELECT id, member_ids, unread, typing, last_message, last_message_at
		FROM conversations WHERE member_ids = ?`,
		encodeJSON(normalizeMembers(memberIDs))))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// CreateConversation inserts a new conversation with zeroed counters.
// Inserting an id that already exists is an error; callers look up first.
func (db *DB) CreateConversation(id string, memberIDs []string) (*Conversation, error) {
	members := normalizeMembers(memberIDs)
	unread := make(map[string]int, len(members))
	for _, m := range members {
		unread[m] = 0
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, member_ids, unread, typing, last_message, last_message_at, updated_at)
		VALUES (?, ?, ?, '{}', '', 0, ?)`,
		id, encodeJSON(members), encodeJSON(unread), now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	db.publish("doc.conversation.updated", id)
	return &Conversation{ID: id, MemberIDs: members, Unread: unread, Typing: map[string]bool{}}, nil
}

// MigrateConversationID rekeys a legacy conversation and all of its
// messages to the member-hash id in one transaction.
func (db *DB) MigrateConversationID(oldID, newID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET id = ?, updated_at = ? WHERE id = ?`, newID, now, oldID); err != nil {
		return fmt.Errorf("migrate conversation: %w", err)
	}
	if _, err := tx.Exec(`UPDATE messages SET conversation_id = ?, updated_at = ? WHERE conversation_id = ?`, newID, now, oldID); err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.publish("doc.conversation.updated", newID)
	return nil
}

// BumpOnSend records a new outgoing message on the conversation: preview
// and timestamp update, and every member except the sender gets their
// unread counter incremented by one.
func (db *DB) BumpOnSend(conversationID, senderID, preview string, ts int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanConversation(tx.QueryRow(`
		SELECT id, member_ids, unread, typing, last_message, last_message_at
		FROM conversations WHERE id = ?`, conversationID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if err != nil {
		return err
	}

	unread := make(map[string]int, len(c.MemberIDs))
	for k, v := range c.Unread {
		unread[k] = v
	}
	for _, member := range c.MemberIDs {
		if member != senderID {
			unread[member]++
		}
	}

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		UPDATE conversations SET unread = ?, last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`,
		encodeJSON(unread), truncate(preview, 100), ts, now, conversationID)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.publish("doc.conversation.updated", conversationID)
	return nil
}

func resetUnreadTx(tx *sql.Tx, conversationID, userID string, now int64) error {
	c, err := scanConversation(tx.QueryRow(`
		SELECT id, member_ids, unread, typing, last_message, last_message_at
		FROM conversations WHERE id = ?`, conversationID))
	if err == sql.ErrNoRows {
		return nil // skip-and-log territory; the messages were still marked
	}
	if err != nil {
		return err
	}
	unread := make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	unread[userID] = 0
	_, err = tx.Exec(`UPDATE conversations SET unread = ?, updated_at = ? WHERE id = ?`,
		encodeJSON(unread), now, conversationID)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

// SetTyping flips a member's typing flag on the conversation.
func (db *DB) SetTyping(conversationID, userID string, typing bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanConversation(tx.QueryRow(`
		SELECT id, member_ids, unread, typing, last_message, last_message_at
		FROM conversations WHERE id = ?`, conversationID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if err != nil {
		return err
	}
	flags := make(map[string]bool, len(c.Typing)+1)
	for k, v := range c.Typing {
		flags[k] = v
	}
	flags[userID] = typing

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET typing = ?, updated_at = ? WHERE id = ?`,
		encodeJSON(flags), now, conversationID); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.publish("doc.conversation.updated", conversationID)
	return nil
}

// ListConversations returns conversations sorted by last message
// timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, member_ids, unread, typing, last_message, last_message_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// truncate cuts on a rune boundary so a multibyte preview never ends in
// invalid UTF-8.
func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}
