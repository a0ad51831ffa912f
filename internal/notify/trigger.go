package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/store"
)

// Trigger binds the notifier to the message document event stream. It
// runs until Stop, dispatching created and updated events to the
// handlers.
type Trigger struct {
	bus      *bus.Bus
	notifier *Notifier
	logger   *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewTrigger creates a trigger bound to a bus.
func NewTrigger(b *bus.Bus, n *Notifier, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		bus:      b,
		notifier: n,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start subscribes to message document events and dispatches them until
// Stop is called. Handler failures are logged, never fatal; a failed
// notification does not block later ones.
func (t *Trigger) Start(ctx context.Context) {
	events, unsub := t.bus.Subscribe("doc.message.", 256)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				t.dispatch(ctx, evt)
			case <-t.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *Trigger) dispatch(ctx context.Context, evt bus.Event) {
	me, ok := evt.Payload.(store.MessageEvent)
	if !ok {
		return
	}
	var err error
	switch evt.Topic {
	case "doc.message.created":
		err = t.notifier.HandleCreated(ctx, me)
	case "doc.message.updated":
		err = t.notifier.HandleUpdated(ctx, me)
	default:
		return
	}
	if err != nil {
		t.logger.Error("notification dispatch failed",
			zap.String("topic", evt.Topic),
			zap.String("conversation_id", me.ConversationID),
			zap.String("msg_id", me.MsgID),
			zap.Error(err))
	}
}

// Stop halts dispatch and waits for the in-flight event to finish.
func (t *Trigger) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}
