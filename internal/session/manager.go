// Package session owns the lifecycle of per-conversation sync: opening a
// conversation by counterpart, the message+presence subscription pair,
// and teardown on navigation away.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/msgsync"
	"github.com/pigeonchat/pigeon/internal/store"
)

// ErrNotAuthenticated is returned when no local user is configured.
var ErrNotAuthenticated = errors.New("not authenticated")

// ConversationID derives the deterministic conversation id for an
// unordered member set, so repeated opens converge on the same document
// without a lookup round trip.
func ConversationID(memberIDs []string) string {
	sorted := append([]string{}, memberIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// ConversationSession is one counterpart's active subscription pair.
// Exactly one exists per counterpart; restarting sync replaces it.
type ConversationSession struct {
	CounterpartID  string
	ConversationID string

	machine       *stateMachine
	stopWatch     func()
	unsubPresence func()

	presenceMu sync.Mutex
	presence   *store.Presence
}

// State returns the session's lifecycle state.
func (s *ConversationSession) State() State {
	return s.machine.Current()
}

// Presence returns the counterpart's last observed presence, or nil
// before the first update arrives.
func (s *ConversationSession) Presence() *store.Presence {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	return s.presence
}

func (s *ConversationSession) setPresence(p *store.Presence) {
	s.presenceMu.Lock()
	s.presence = p
	s.presenceMu.Unlock()
}

func (s *ConversationSession) teardown() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.unsubPresence != nil {
		s.unsubPresence()
		s.unsubPresence = nil
	}
}

// Manager creates and tracks conversation sessions for the local user.
type Manager struct {
	db          *store.DB
	bus         *bus.Bus
	rec         *msgsync.Reconciler
	localUserID string
	window      int
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*ConversationSession
}

// NewManager creates a session manager. window is the snapshot size
// delivered per conversation subscription.
func NewManager(db *store.DB, b *bus.Bus, rec *msgsync.Reconciler, localUserID string, window int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 50
	}
	return &Manager{
		db:          db,
		bus:         b,
		rec:         rec,
		localUserID: localUserID,
		window:      window,
		logger:      logger,
		sessions:    make(map[string]*ConversationSession),
	}
}

// Open resolves the conversation for a counterpart: hash lookup first,
// then a legacy-key scan with migration, then create. Safe to call
// repeatedly; always converges on the same id for the same pair.
func (m *Manager) Open(counterpartID string) (string, error) {
	if m.localUserID == "" {
		return "", ErrNotAuthenticated
	}

	members := []string{m.localUserID}
	if counterpartID != m.localUserID {
		members = append(members, counterpartID)
	}
	id := ConversationID(members)

	c, err := m.db.GetConversation(id)
	if err != nil {
		return "", fmt.Errorf("open conversation: %w", err)
	}
	if c != nil {
		return id, nil
	}

	// Hash miss: scan for a legacy-keyed conversation with this member
	// set and rekey it.
	legacy, err := m.db.FindByMembers(members)
	if err != nil {
		return "", fmt.Errorf("legacy scan: %w", err)
	}
	if legacy != nil {
		if legacy.ID == id {
			return id, nil
		}
		m.logger.Info("migrating legacy conversation",
			zap.String("old_id", legacy.ID), zap.String("new_id", id))
		if err := m.db.MigrateConversationID(legacy.ID, id); err != nil {
			return "", fmt.Errorf("migrate legacy conversation: %w", err)
		}
		return id, nil
	}

	if _, err := m.db.CreateConversation(id, members); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// StartSync establishes the message subscription and, unless the
// conversation is with oneself, the presence subscription for a
// counterpart. Calling it again for the same counterpart first tears
// down the previous pair.
func (m *Manager) StartSync(conversationID, counterpartID string, isSelf bool) (*ConversationSession, error) {
	m.mu.Lock()
	if prev, ok := m.sessions[counterpartID]; ok {
		prev.teardown()
		_ = prev.machine.transition(Closed)
		delete(m.sessions, counterpartID)
	}

	s := &ConversationSession{
		CounterpartID:  counterpartID,
		ConversationID: conversationID,
		machine:        newStateMachine(),
	}
	m.sessions[counterpartID] = s
	m.mu.Unlock()

	if err := s.machine.transition(Opening); err != nil {
		return nil, err
	}
	if err := s.machine.transition(Syncing); err != nil {
		return nil, err
	}

	s.stopWatch = m.rec.Watch(conversationID, m.window)
	if !isSelf {
		s.unsubPresence = m.watchPresence(s)
	}

	if err := s.machine.transition(Ready); err != nil {
		return nil, err
	}
	m.logger.Info("conversation sync started",
		zap.String("conversation_id", conversationID),
		zap.String("counterpart_id", counterpartID))
	return s, nil
}

// watchPresence keeps the session's presence snapshot current: one
// initial load, then a refresh on every presence event naming the
// counterpart. The returned func stops the watcher.
func (m *Manager) watchPresence(s *ConversationSession) func() {
	events, unsub := m.bus.Subscribe("doc.presence.updated", 16)
	done := make(chan struct{})

	refresh := func() {
		p, err := m.db.GetPresence(s.CounterpartID)
		if err != nil {
			m.logger.Error("presence query failed",
				zap.String("counterpart_id", s.CounterpartID), zap.Error(err))
			return
		}
		if p != nil {
			s.setPresence(p)
		}
	}

	go func() {
		refresh()
		for {
			select {
			case evt := <-events:
				if userID, ok := evt.Payload.(string); !ok || userID != s.CounterpartID {
					continue
				}
				refresh()
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

// Close tears down a counterpart's subscription pair. The last published
// merged list stays cached so reopening renders instantly while the
// fresh subscription catches up.
func (m *Manager) Close(counterpartID string) {
	m.mu.Lock()
	s, ok := m.sessions[counterpartID]
	if ok {
		delete(m.sessions, counterpartID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.teardown()
	_ = s.machine.transition(Closed)
	m.logger.Info("conversation sync closed", zap.String("counterpart_id", counterpartID))
}

// Session returns the active session for a counterpart, or nil.
func (m *Manager) Session(counterpartID string) *ConversationSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[counterpartID]
}

// ObserveMessages returns a live-updating channel of merged message
// lists for a conversation. The last cached list is delivered first, so
// a reopened conversation renders before the subscription catches up.
func (m *Manager) ObserveMessages(conversationID string) (<-chan []msgsync.MergedMessage, func()) {
	events, unsub := m.bus.Subscribe(msgsync.TopicPrefix+conversationID, 64)
	out := make(chan []msgsync.MergedMessage, 64)
	done := make(chan struct{})

	if cached := m.rec.Published(conversationID); len(cached) > 0 {
		out <- cached
	}

	go func() {
		defer close(out)
		for {
			select {
			case evt := <-events:
				msgs, ok := evt.Payload.([]msgsync.MergedMessage)
				if !ok {
					continue
				}
				select {
				case out <- msgs:
				default:
					// Slow observer: drop the stale list, a newer one follows.
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// ObservePresence returns a live-updating channel of a counterpart's
// presence.
func (m *Manager) ObservePresence(counterpartID string) (<-chan store.Presence, func()) {
	events, unsub := m.bus.Subscribe("doc.presence.updated", 16)
	out := make(chan store.Presence, 16)
	done := make(chan struct{})

	deliver := func() {
		p, err := m.db.GetPresence(counterpartID)
		if err != nil || p == nil {
			return
		}
		select {
		case out <- *p:
		default:
		}
	}
	deliver()

	go func() {
		defer close(out)
		for {
			select {
			case evt := <-events:
				if userID, ok := evt.Payload.(string); !ok || userID != counterpartID {
					continue
				}
				deliver()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// SetTyping broadcasts the local user's typing state on a conversation.
func (m *Manager) SetTyping(conversationID string, typing bool) error {
	if m.localUserID == "" {
		return ErrNotAuthenticated
	}
	return m.db.SetTyping(conversationID, m.localUserID, typing)
}

// RegisterDevice records this installation's push token for the local
// user. Calling again with a new token rotates it in place.
func (m *Manager) RegisterDevice(installID, token, platform string) error {
	if m.localUserID == "" {
		return ErrNotAuthenticated
	}
	return m.db.UpsertDeviceToken(&store.DeviceToken{
		UserID:    m.localUserID,
		InstallID: installID,
		Token:     token,
		Platform:  platform,
	})
}

// UnregisterDevice removes this installation's push registration, used
// on sign-out.
func (m *Manager) UnregisterDevice(installID string) error {
	if m.localUserID == "" {
		return ErrNotAuthenticated
	}
	return m.db.DeleteDeviceToken(m.localUserID, installID)
}

// RetryDownload re-enters a failed attachment into the pending state;
// the next snapshot re-queues it.
func (m *Manager) RetryDownload(conversationID, msgID string) error {
	return m.db.SetDownloadState(conversationID, msgID, store.DownloadPending)
}

// DeleteMessage hides or retracts one message.
func (m *Manager) DeleteMessage(conversationID, msgID string, forEveryone bool) error {
	return m.BatchDelete(conversationID, []string{msgID}, forEveryone)
}

// BatchDelete hides or retracts a set of messages in one transaction.
func (m *Manager) BatchDelete(conversationID string, msgIDs []string, forEveryone bool) error {
	if m.localUserID == "" {
		return ErrNotAuthenticated
	}
	if forEveryone {
		return m.db.DeleteForEveryone(conversationID, msgIDs)
	}
	return m.db.DeleteForUser(conversationID, msgIDs, m.localUserID)
}

// WaitReady polls until the counterpart's session reaches Ready, giving
// up when the timeout elapses. Used to hold a notification-tap route
// until the conversation is interactive, without queueing it forever.
func (m *Manager) WaitReady(ctx context.Context, counterpartID string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if s := m.Session(counterpartID); s != nil && s.State() == Ready {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("session for %s not ready after %s", counterpartID, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
