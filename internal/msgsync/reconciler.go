// Package msgsync turns the store's raw message snapshots into the
// merged, annotated lists the UI renders.
package msgsync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/attach"
	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/clock"
	"github.com/pigeonchat/pigeon/internal/store"
)

// TopicPrefix is the bus namespace merged lists are published under;
// the conversation id is appended.
const TopicPrefix = "conv.messages."

// DownloadQueue is the slice of the downloader the reconciler feeds.
type DownloadQueue interface {
	Enqueue(tasks []attach.Task)
}

// Lister is the slice of the store the watcher re-queries snapshots from.
type Lister interface {
	ListMessages(conversationID string, limit int) ([]*store.Message, error)
}

// Reconciler merges raw snapshots with already-known local attachment
// state and republishes the result. It owns the structural fields of the
// published list; download and receipt state arrive as typed updates.
type Reconciler struct {
	localUserID string
	lister      Lister
	bus         *bus.Bus
	queue       DownloadQueue
	logger      *zap.Logger

	mu        sync.Mutex
	published map[string][]MergedMessage

	// onPublish runs after every snapshot publish, on the publishing
	// goroutine. The receipt tracker hooks in here.
	onPublish func(conversationID string, msgs []MergedMessage)
}

// NewReconciler creates a reconciler for the given local user.
func NewReconciler(localUserID string, lister Lister, b *bus.Bus, queue DownloadQueue, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		localUserID: localUserID,
		lister:      lister,
		bus:         b,
		queue:       queue,
		logger:      logger,
		published:   make(map[string][]MergedMessage),
	}
}

// SetPublishHook registers a callback invoked after every snapshot
// publish. Must be set before any subscription starts.
func (r *Reconciler) SetPublishHook(hook func(conversationID string, msgs []MergedMessage)) {
	r.onPublish = hook
}

// OnSnapshot consumes one full-replacement snapshot (current top-N,
// newest first), merges it and publishes the result. Order is preserved;
// messages are only annotated, never reordered. Foreign pending messages
// and messages soft-deleted for the local user are dropped.
func (r *Reconciler) OnSnapshot(conversationID string, raw []*store.Message) []MergedMessage {
	r.mu.Lock()
	prior := make(map[string]MergedMessage, len(r.published[conversationID]))
	for _, m := range r.published[conversationID] {
		prior[m.ID] = m
	}

	merged := make([]MergedMessage, 0, len(raw))
	var tasks []attach.Task
	for _, doc := range raw {
		if doc.Status == store.StatusPending && doc.SenderID != r.localUserID {
			// The store query should never deliver these; drop defensively.
			continue
		}
		if doc.HiddenFor(r.localUserID) {
			continue
		}

		// A local path learned in this process always survives the next
		// snapshot, even when the raw doc still carries the remote ref.
		knownLocal := doc.LocalPath
		if knownLocal == "" {
			if prev, ok := prior[doc.MsgID]; ok && prev.DownloadState == store.DownloadDone {
				knownLocal = prev.LocalPath
			}
		}

		own := doc.SenderID == r.localUserID
		res := attach.Resolve(doc.CanonicalRef, knownLocal, own, doc.Kind, false)

		state := doc.DownloadState
		if knownLocal != "" {
			state = store.DownloadDone
		}

		m := MergedMessage{
			ID:             doc.MsgID,
			ConversationID: doc.ConversationID,
			SenderID:       doc.SenderID,
			Kind:           doc.Kind,
			Text:           doc.Text,
			Mime:           doc.Mime,
			Name:           doc.Name,
			Size:           doc.Size,
			Width:          doc.Width,
			Height:         doc.Height,
			DurationMs:     doc.DurationMs,
			ExposedRef:     res.ExposedRef,
			LocalPath:      knownLocal,
			DownloadState:  state,
			Status:         doc.Status,
			Deleted:        doc.Deleted,
			CreatedAt:      clock.ToISO(doc.CreatedAt),
			DeliveredAt:    clock.MapToISO(doc.DeliveredAt),
			ReadAt:         clock.MapToISO(doc.ReadAt),
		}
		merged = append(merged, m)

		if res.NeedsDownload && queueable(state) {
			tasks = append(tasks, attach.Task{
				ConversationID: doc.ConversationID,
				MsgID:          doc.MsgID,
				SourceURL:      doc.CanonicalRef,
				Name:           doc.Name,
				State:          state,
			})
		}
	}

	r.published[conversationID] = merged
	r.mu.Unlock()

	// Publish synchronously so observers render what is resolvable now,
	// then hand the pending fetches to the downloader.
	r.publish(conversationID, merged)
	if len(tasks) > 0 && r.queue != nil {
		r.queue.Enqueue(tasks)
	}
	return merged
}

func queueable(state string) bool {
	return state == store.DownloadIdle || state == store.DownloadPending
}

// Apply merges a typed partial update into the published list and
// republishes it. Only the fields the update variant owns change.
func (r *Reconciler) Apply(conversationID string, u Update) {
	r.mu.Lock()
	msgs := r.published[conversationID]
	applied := false
	for i := range msgs {
		if msgs[i].ID == u.MessageID() {
			u.applyTo(&msgs[i])
			applied = true
			break
		}
	}
	r.mu.Unlock()
	if applied {
		r.publish(conversationID, msgs)
	}
}

// Published returns the last published list for a conversation, which
// makes reopening a closed conversation render instantly while a fresh
// subscription catches up.
func (r *Reconciler) Published(conversationID string) []MergedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMessages(r.published[conversationID])
}

func (r *Reconciler) publish(conversationID string, msgs []MergedMessage) {
	// One deep copy shared by the bus payload and the hook: the retained
	// state keeps its own maps, so a later Apply cannot reach into lists
	// subscribers already hold.
	out := cloneMessages(msgs)
	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Topic:   TopicPrefix + conversationID,
			At:      time.Now(),
			Payload: out,
		})
	}
	if r.onPublish != nil {
		r.onPublish(conversationID, out)
	}
}

// Watch subscribes to the store's document events for one conversation
// and re-queries a fresh snapshot on every change, starting with an
// immediate one. The returned func stops the watcher.
func (r *Reconciler) Watch(conversationID string, window int) func() {
	ch, unsub := r.bus.Subscribe("doc.message.", 256)
	done := make(chan struct{})

	go func() {
		r.snapshot(conversationID, window)
		for {
			select {
			case evt := <-ch:
				me, ok := evt.Payload.(store.MessageEvent)
				if !ok || me.ConversationID != conversationID {
					continue
				}
				r.snapshot(conversationID, window)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

func (r *Reconciler) snapshot(conversationID string, window int) {
	raw, err := r.lister.ListMessages(conversationID, window)
	if err != nil {
		r.logger.Error("snapshot query failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	r.OnSnapshot(conversationID, raw)
}
