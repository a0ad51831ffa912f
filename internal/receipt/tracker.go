// Package receipt advances incoming messages through the delivery/read
// lifecycle on behalf of the local user.
package receipt

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/clock"
	"github.com/pigeonchat/pigeon/internal/msgsync"
	"github.com/pigeonchat/pigeon/internal/store"
)

// Tracker marks incoming messages delivered when observed and read on
// conversation focus. All writes are batched store transactions and never
// regress a message's status.
type Tracker struct {
	db          *store.DB
	rec         *msgsync.Reconciler
	localUserID string
	logger      *zap.Logger
}

// NewTracker creates a tracker for the local user.
func NewTracker(db *store.DB, rec *msgsync.Reconciler, localUserID string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, rec: rec, localUserID: localUserID, logger: logger}
}

// OnPublished runs on every merged-list publish and batches all incoming
// sent messages into one delivered transition. Wire it as the
// reconciler's publish hook.
func (t *Tracker) OnPublished(conversationID string, msgs []msgsync.MergedMessage) {
	var ids []string
	for _, m := range msgs {
		if m.Status == store.StatusSent && m.SenderID != t.localUserID && !m.Deleted {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	now := clock.NowMillis()
	if err := t.db.MarkDelivered(conversationID, ids, t.localUserID, now); err != nil {
		t.logger.Error("mark delivered failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	stamp := map[string]string{t.localUserID: clock.ToISO(now)}
	for _, id := range ids {
		t.rec.Apply(conversationID, msgsync.ReceiptUpdate{
			MsgID:       id,
			Status:      store.StatusDelivered,
			DeliveredAt: stamp,
		})
	}
}

// MarkRead is invoked on conversation focus: it transitions the local
// user's incoming sent/delivered messages to read and zeroes their unread
// counter in the same transaction. Safe to call redundantly.
func (t *Tracker) MarkRead(conversationID string) error {
	if err := t.db.MarkRead(conversationID, t.localUserID, clock.NowMillis()); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
