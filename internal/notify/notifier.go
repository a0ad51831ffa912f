// Package notify fans out push notifications for new and updated
// messages: recipient resolution, token batching, stale-token pruning
// and the legacy-protocol fallback.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pigeonchat/pigeon/internal/store"
)

// TokenStore is the slice of the document store the notifier reads
// membership and tokens from.
type TokenStore interface {
	GetConversation(id string) (*store.Conversation, error)
	TokensForUsers(userIDs []string) ([]store.DeviceToken, error)
	PruneToken(token string) error
}

// Notifier handles message document events and dispatches pushes.
// Handlers are stateless and safe to invoke concurrently; each runs to
// completion or failure independently.
type Notifier struct {
	db        TokenStore
	primary   Transport
	legacy    Transport // nil when no fallback credential is configured
	batchSize int
	logger    *zap.Logger
}

// NewNotifier creates a notifier. legacy may be nil; a primary 404 then
// becomes a hard error.
func NewNotifier(db TokenStore, primary, legacy Transport, batchSize int, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 || batchSize > 500 {
		batchSize = 500
	}
	return &Notifier{
		db:        db,
		primary:   primary,
		legacy:    legacy,
		batchSize: batchSize,
		logger:    logger,
	}
}

// HandleCreated processes a message-created document event. Messages
// without a sender or still pending are not announced.
func (n *Notifier) HandleCreated(ctx context.Context, evt store.MessageEvent) error {
	msg := evt.After
	if msg == nil || msg.SenderID == "" || msg.Status == store.StatusPending {
		return nil
	}
	return n.notify(ctx, msg)
}

// HandleUpdated processes a message-updated document event. Only the
// pending-to-sent transition announces; receipt and download updates
// must not re-notify.
func (n *Notifier) HandleUpdated(ctx context.Context, evt store.MessageEvent) error {
	if evt.Before == nil || evt.After == nil {
		return nil
	}
	if evt.Before.Status != store.StatusPending || evt.After.Status != store.StatusSent {
		return nil
	}
	return n.notify(ctx, evt.After)
}

func (n *Notifier) notify(ctx context.Context, msg *store.Message) error {
	conv, err := n.db.GetConversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		n.logger.Warn("conversation missing, skipping notification",
			zap.String("conversation_id", msg.ConversationID))
		return nil
	}

	var recipients []string
	for _, member := range conv.MemberIDs {
		if member != msg.SenderID {
			recipients = append(recipients, member)
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	return n.SendToRecipients(ctx, recipients, msg)
}

// SendToRecipients resolves the recipients' device tokens, de-duplicates
// them, batches and dispatches. Batches run concurrently; one batch's
// failure never aborts its siblings.
func (n *Notifier) SendToRecipients(ctx context.Context, recipients []string, msg *store.Message) error {
	tokens, err := n.db.TokensForUsers(recipients)
	if err != nil {
		return fmt.Errorf("resolve tokens: %w", err)
	}
	deduped := dedupeTokens(tokens)
	if len(deduped) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, chunk := range chunkTokens(deduped, n.batchSize) {
		batch := Batch{
			Tokens:      chunk,
			Title:       "New message",
			Body:        previewText(msg),
			CollapseKey: msg.MsgID,
			ThreadKey:   msg.ConversationID,
			Data: map[string]string{
				"conversationId": msg.ConversationID,
				"messageId":      msg.MsgID,
				"senderId":       msg.SenderID,
			},
		}
		g.Go(func() error {
			return n.sendBatch(ctx, batch)
		})
	}
	return g.Wait()
}

func (n *Notifier) sendBatch(ctx context.Context, batch Batch) error {
	result, err := n.primary.Send(ctx, batch)
	if errors.Is(err, ErrEndpointNotFound) {
		if n.legacy == nil {
			return fmt.Errorf("primary endpoint not found: %w", ErrMissingLegacyKey)
		}
		n.logger.Warn("primary push endpoint not found, using legacy protocol",
			zap.Int("tokens", len(batch.Tokens)))
		result, err = n.legacy.Send(ctx, batch)
	}
	if err != nil {
		n.logger.Error("push batch failed", zap.Int("tokens", len(batch.Tokens)), zap.Error(err))
		return err
	}

	for _, token := range result.Unregistered() {
		if err := n.db.PruneToken(token); err != nil {
			n.logger.Error("failed to prune stale token", zap.Error(err))
		} else {
			n.logger.Info("pruned unregistered token")
		}
	}
	return nil
}

// dedupeTokens keeps the first occurrence of each token value, so two
// recipients sharing a device get one push.
func dedupeTokens(tokens []store.DeviceToken) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if t.Token == "" || seen[t.Token] {
			continue
		}
		seen[t.Token] = true
		out = append(out, t.Token)
	}
	return out
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for len(tokens) > size {
		chunks = append(chunks, tokens[:size])
		tokens = tokens[size:]
	}
	if len(tokens) > 0 {
		chunks = append(chunks, tokens)
	}
	return chunks
}

func previewText(msg *store.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	switch msg.Kind {
	case store.KindImage:
		return "Sent a photo"
	case store.KindVideo:
		return "Sent a video"
	case store.KindAudio:
		return "Sent a voice message"
	case store.KindFile:
		return "Sent a file"
	}
	return "New message"
}
