// Package outbox performs optimistic sends: a pending local echo appears
// immediately, then a worker uploads media and finalizes the message to
// sent in the store.
package outbox

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/blob"
	"github.com/pigeonchat/pigeon/internal/clock"
	"github.com/pigeonchat/pigeon/internal/store"
)

// Uploader is the slice of the blob store the sender uses.
type Uploader interface {
	UploadFile(ctx context.Context, key, localPath string) (url string, err error)
}

// AttachmentMeta describes an outgoing attachment.
type AttachmentMeta struct {
	Name       string
	Mime       string
	Size       int64
	Width      int
	Height     int
	DurationMs int64
}

type job struct {
	conversationID string
	msgID          string
	localPath      string // empty for text
	name           string
	preview        string
}

// Sender drains queued sends and finalizes them against the store.
type Sender struct {
	db          *store.DB
	blob        Uploader
	localUserID string
	logger      *zap.Logger

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a sender for the local user.
func NewSender(db *store.DB, blob Uploader, localUserID string, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:          db,
		blob:        blob,
		localUserID: localUserID,
		logger:      logger,
		jobs:        make(chan job, 256),
		done:        make(chan struct{}),
	}
}

// Start begins draining queued sends.
func (s *Sender) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop()
}

// Stop stops the worker after the current job settles.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// SendText queues a text message. The pending echo is visible to the
// sender immediately; delivery is fire-and-forget.
func (s *Sender) SendText(conversationID, text string) (string, error) {
	msgID := uuid.New().String()
	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          msgID,
		SenderID:       s.localUserID,
		Kind:           store.KindText,
		Text:           text,
		Status:         store.StatusPending,
		CreatedAt:      clock.NowMillis(),
	}
	if err := s.db.PutMessage(msg); err != nil {
		return "", fmt.Errorf("queue text: %w", err)
	}
	s.enqueue(job{conversationID: conversationID, msgID: msgID, preview: text})
	return msgID, nil
}

// SendAttachment queues a media or file message referencing a local
// path. The echo carries a file:// ref so the sender's own device
// renders it without a download; the worker uploads the file and swaps
// the canonical ref to the blob URL on finalize.
func (s *Sender) SendAttachment(conversationID, kind, localPath string, meta AttachmentMeta) (string, error) {
	switch kind {
	case store.KindImage, store.KindVideo, store.KindAudio, store.KindFile:
	default:
		return "", fmt.Errorf("kind %q cannot carry an attachment", kind)
	}

	size, err := blob.StatLocal(localPath)
	if err != nil {
		return "", fmt.Errorf("stat attachment: %w", err)
	}
	if meta.Size == 0 {
		meta.Size = size
	}

	msgID := uuid.New().String()
	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          msgID,
		SenderID:       s.localUserID,
		Kind:           kind,
		Mime:           meta.Mime,
		Name:           meta.Name,
		Size:           meta.Size,
		Width:          meta.Width,
		Height:         meta.Height,
		DurationMs:     meta.DurationMs,
		CanonicalRef:   "file://" + localPath,
		LocalPath:      localPath,
		DownloadState:  store.DownloadDone,
		Status:         store.StatusPending,
		CreatedAt:      clock.NowMillis(),
	}
	if err := s.db.PutMessage(msg); err != nil {
		return "", fmt.Errorf("queue attachment: %w", err)
	}
	preview := meta.Name
	if preview == "" {
		preview = kind
	}
	s.enqueue(job{
		conversationID: conversationID,
		msgID:          msgID,
		localPath:      localPath,
		name:           meta.Name,
		preview:        preview,
	})
	return msgID, nil
}

func (s *Sender) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		s.logger.Warn("send queue full, message stays pending",
			zap.String("msg_id", j.msgID))
	}
}

func (s *Sender) loop() {
	defer close(s.done)
	for {
		select {
		case j := <-s.jobs:
			s.process(j)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Sender) process(j job) {
	msg, err := s.db.GetMessage(j.conversationID, j.msgID)
	if err != nil || msg == nil {
		s.logger.Error("pending message vanished", zap.String("msg_id", j.msgID), zap.Error(err))
		return
	}

	if j.localPath != "" {
		key := blobKey(j.conversationID, j.msgID, j.name)
		url, err := s.blob.UploadFile(s.ctx, key, j.localPath)
		if err != nil {
			// The echo stays pending; the user resends manually.
			s.logger.Error("attachment upload failed",
				zap.String("msg_id", j.msgID), zap.Error(err))
			return
		}
		msg.CanonicalRef = url
	}

	msg.Status = store.StatusSent
	msg.CreatedAt = clock.NowMillis() // server-assigned ordering timestamp
	if err := s.db.PutMessage(msg); err != nil {
		s.logger.Error("finalize send failed", zap.String("msg_id", j.msgID), zap.Error(err))
		return
	}
	if err := s.db.BumpOnSend(j.conversationID, s.localUserID, j.preview, msg.CreatedAt); err != nil {
		s.logger.Error("conversation bump failed",
			zap.String("conversation_id", j.conversationID), zap.Error(err))
	}
	s.logger.Info("message sent",
		zap.String("conversation_id", j.conversationID),
		zap.String("msg_id", j.msgID))
}

func blobKey(conversationID, msgID, name string) string {
	if name == "" {
		return path.Join(conversationID, msgID)
	}
	return path.Join(conversationID, msgID, name)
}
