// Package messaging implements the conversation orchestrator of the
// CommEazy core. The Manager derives conversation identity, runs the
// send/receive message status state machine, owns the outbox retry
// scheduler, and bridges the transport, the encryption engine, and the
// persistent store.
package messaging

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub001/encryption"
	"github.com/bertvancapelle/CommEazy-sub001/outbox"
	"github.com/bertvancapelle/CommEazy-sub001/storage"
	"github.com/bertvancapelle/CommEazy-sub001/transport"
)

// MessageCallback is notified of every newly received message.
type MessageCallback func(msg *storage.Message)

// PresenceCallback is notified of peer presence transitions.
type PresenceCallback func(identity string, status transport.PresenceStatus)

// StatusCallback is notified when a message's delivery status changes.
type StatusCallback func(messageID string, status storage.DeliveryStatus)

// Config wires a Manager's collaborators. Engine, Store, and Transport
// are required; Clock defaults to the system clock.
type Config struct {
	Engine    *encryption.Engine
	Store     storage.Store
	Transport transport.Transport
	Clock     outbox.Clock
}

// Manager is one orchestrator instance. All listener and presence state
// is private to the instance, so multiple Managers coexist in tests.
type Manager struct {
	engine    *encryption.Engine
	store     storage.Store
	transport transport.Transport
	clock     outbox.Clock

	scheduler *outbox.Scheduler
	sweeper   *outbox.Sweeper

	mu          sync.RWMutex
	identity    string
	displayName string
	initialized bool

	presence   *presenceTracker
	msgSubs    *registry[MessageCallback]
	presSubs   *registry[PresenceCallback]
	statusSubs *registry[StatusCallback]
}

// NewManager creates an orchestrator. Call Initialize before use.
func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = outbox.SystemClock{}
	}

	m := &Manager{
		engine:     cfg.Engine,
		store:      cfg.Store,
		transport:  cfg.Transport,
		clock:      clock,
		presence:   newPresenceTracker(),
		msgSubs:    newRegistry[MessageCallback](),
		presSubs:   newRegistry[PresenceCallback](),
		statusSubs: newRegistry[StatusCallback](),
	}

	m.scheduler = outbox.NewScheduler(outbox.Config{
		Store:     cfg.Store,
		Transport: cfg.Transport,
		Clock:     clock,
		IsOnline:  m.presence.IsOnline,
		OnSent:    m.onOutboxSent,
		OnExpired: m.onOutboxExpired,
	})
	m.sweeper = outbox.NewSweeper(cfg.Store, clock, m.onOutboxExpired)

	return m
}

// Initialize loads or creates the device key pair, registers the local
// identity, hooks the transport event streams, and runs the startup
// expiry sweep. Idempotent.
func (m *Manager) Initialize(identity, displayName string) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.identity = identity
	m.displayName = displayName
	m.mu.Unlock()

	if err := m.engine.Initialize(); err != nil {
		return fmt.Errorf("engine initialization: %w", err)
	}
	if !m.engine.HasKeyPair() {
		if _, err := m.engine.GenerateKeyPair(); err != nil {
			return fmt.Errorf("first-run key generation: %w", err)
		}
	}
	m.engine.SetIdentity(identity)

	m.transport.OnMessage(m.handleIncoming)
	m.transport.OnPresence(m.handlePresence)
	m.transport.OnAck(m.handleAck)

	m.sweeper.Start()

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"identity": identity,
	}).Info("Conversation orchestrator initialized")
	return nil
}

// Cleanup stops the retry scheduler and the sweeper and detaches the
// instance. In-flight sends are not interrupted.
func (m *Manager) Cleanup() {
	m.scheduler.Stop()
	m.sweeper.Stop()
	m.presence.Reset()

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
}

// requireInit returns the local identity, failing closed before
// Initialize has run.
func (m *Manager) requireInit() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return "", ErrNotInitialized
	}
	return m.identity, nil
}

// StartRetryTimer starts the outbox retry loop.
func (m *Manager) StartRetryTimer() { m.scheduler.Start() }

// StopRetryTimer cancels the pending retry timer.
func (m *Manager) StopRetryTimer() { m.scheduler.Stop() }

// GetConversationID derives the conversation id shared with a peer.
func (m *Manager) GetConversationID(peerIdentity string) (string, error) {
	identity, err := m.requireInit()
	if err != nil {
		return "", err
	}
	return ConversationID(identity, peerIdentity), nil
}

// GetMessages returns a conversation's messages, oldest first.
func (m *Manager) GetMessages(conversationID string) ([]*storage.Message, error) {
	if _, err := m.requireInit(); err != nil {
		return nil, err
	}
	return m.store.GetMessages(conversationID)
}

// ObserveMessages watches a conversation for saves and status changes.
func (m *Manager) ObserveMessages(conversationID string, observer storage.MessageObserver) func() {
	return m.store.ObserveMessages(conversationID, observer)
}

// MarkRead flags a message as read by the local user.
func (m *Manager) MarkRead(messageID string) error {
	return m.store.MarkMessageRead(messageID)
}

// AddContact saves a peer and subscribes to its presence stream.
func (m *Manager) AddContact(contact *storage.Contact) error {
	if err := m.store.SaveContact(contact); err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	if err := m.transport.SubscribePresence(contact.Identity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddContact",
			"identity": contact.Identity,
			"error":    err.Error(),
		}).Warn("Presence subscription failed")
	}
	return nil
}

// Contacts returns the contact directory.
func (m *Manager) Contacts() ([]*storage.Contact, error) {
	if _, err := m.requireInit(); err != nil {
		return nil, err
	}
	return m.store.Contacts()
}

// OnMessage registers a callback for received messages; the returned
// function unsubscribes it.
func (m *Manager) OnMessage(callback MessageCallback) func() {
	return m.msgSubs.Add(callback)
}

// OnPresenceChange registers a callback for presence transitions.
func (m *Manager) OnPresenceChange(callback PresenceCallback) func() {
	return m.presSubs.Add(callback)
}

// OnStatusChange registers a callback for delivery status transitions.
func (m *Manager) OnStatusChange(callback StatusCallback) func() {
	return m.statusSubs.Add(callback)
}

// PeerPresence returns a peer's last known presence status.
func (m *Manager) PeerPresence(identity string) transport.PresenceStatus {
	return m.presence.Get(NormalizeAddress(identity))
}

// SendMessage encrypts content for one recipient, persists the local
// plaintext copy, and attempts immediate delivery. When the transport
// is down or the send fails, the message stays pending and an outbox
// entry takes over; the user sees "pending", not a failure, for the
// whole retention window.
func (m *Manager) SendMessage(recipientIdentity, content string) (*storage.Message, error) {
	identity, err := m.requireInit()
	if err != nil {
		return nil, err
	}

	contact, err := m.store.GetContact(recipientIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, recipientIdentity)
	}

	payload, err := m.engine.Encrypt([]byte(content), []encryption.Recipient{{
		Identity:  contact.Identity,
		PublicKey: contact.PublicKey,
	}})
	if err != nil {
		return nil, &DeliveryError{Retryable: false, Err: err}
	}

	wire, err := encryption.MarshalPayload(payload)
	if err != nil {
		return nil, &DeliveryError{Retryable: false, Err: err}
	}

	m.mu.RLock()
	displayName := m.displayName
	m.mu.RUnlock()

	msg := newOutgoingMessage(ConversationID(identity, recipientIdentity), identity, displayName, content, m.clock.Now())
	if err := m.store.SaveMessage(msg); err != nil {
		return nil, &DeliveryError{MessageID: msg.ID, Retryable: true, Err: err}
	}

	if m.transport.IsConnected() {
		sendErr := m.transport.Send(recipientIdentity, wire, msg.ID)
		if sendErr == nil {
			m.setStatus(msg.ID, storage.StatusSent)
			msg.Status = storage.StatusSent
			return msg, nil
		}
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": msg.ID,
			"error":      sendErr.Error(),
		}).Debug("Immediate send failed, enqueueing to outbox")
	}

	if err := m.enqueueOutbox(msg.ID, msg.ConversationID, wire, []string{recipientIdentity}); err != nil {
		// With no outbox entry nothing will ever retry this message.
		m.setStatus(msg.ID, storage.StatusFailed)
		msg.Status = storage.StatusFailed
		return nil, &DeliveryError{MessageID: msg.ID, Retryable: true, Err: err}
	}
	return msg, nil
}

// enqueueOutbox persists an encrypted entry for retry and wakes the
// scheduler.
func (m *Manager) enqueueOutbox(messageID, conversationID string, wire []byte, pending []string) error {
	now := m.clock.Now()
	entry := &storage.OutboxEntry{
		MessageID:         messageID,
		ConversationID:    conversationID,
		Payload:           wire,
		CreatedAt:         now,
		ExpiresAt:         now.Add(outbox.RetentionPeriod),
		PendingRecipients: pending,
	}
	if err := m.store.SaveOutboxEntry(entry); err != nil {
		return fmt.Errorf("failed to persist outbox entry: %w", err)
	}
	m.scheduler.NotifyEnqueued()
	return nil
}

// setStatus transitions a message and notifies status subscribers.
// A missing message is benign: the sweeper and retry loop may race.
func (m *Manager) setStatus(messageID string, status storage.DeliveryStatus) {
	if err := m.store.UpdateMessageStatus(messageID, status); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function":   "setStatus",
				"message_id": messageID,
				"error":      err.Error(),
			}).Error("Failed to update message status")
		}
		return
	}
	for _, cb := range m.statusSubs.Snapshot() {
		cb(messageID, status)
	}
}

// onOutboxSent advances a pending message to sent after a successful
// retry. Later statuses are never regressed.
func (m *Manager) onOutboxSent(messageID string) {
	msg, err := m.store.GetMessage(messageID)
	if err != nil || msg.Status != storage.StatusPending {
		return
	}
	m.setStatus(messageID, storage.StatusSent)
}

// onOutboxExpired marks a message expired exactly once. An already
// delivered message keeps its status even if its entry lingered.
func (m *Manager) onOutboxExpired(messageID string) {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return
	}
	switch msg.Status {
	case storage.StatusExpired, storage.StatusDelivered:
		return
	}
	m.setStatus(messageID, storage.StatusExpired)
}

// handleIncoming is the transport's message callback. Decryption
// failures are swallowed at this boundary: a malformed or hostile
// payload is dropped with a log line, never a crash.
func (m *Manager) handleIncoming(from string, payloadBytes []byte, id string) {
	identity, err := m.requireInit()
	if err != nil {
		return
	}

	base, resource := splitAddress(from)

	if group, err := m.store.GetGroup(base); err == nil {
		m.handleGroupMessage(group, resource, payloadBytes, id)
		return
	}

	canonical := base

	// Transport-level redelivery of a known id is a silent no-op.
	if _, err := m.store.GetMessage(id); err == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleIncoming",
			"message_id": id,
		}).Debug("Duplicate inbound message ignored")
		return
	}

	contact, err := m.store.GetContact(canonical)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"sender":   canonical,
		}).Warn("Message from unknown sender dropped")
		return
	}

	payload, err := encryption.UnmarshalPayload(payloadBytes)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"sender":   canonical,
			"error":    err.Error(),
		}).Warn("Malformed inbound payload dropped")
		return
	}

	plaintext, err := m.engine.Decrypt(payload, contact.PublicKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"sender":   canonical,
			"error":    err.Error(),
		}).Warn("Inbound decryption failed, message dropped")
		return
	}

	msg := newIncomingMessage(id, ConversationID(identity, canonical), canonical, contact.DisplayName, string(plaintext), m.clock.Now())
	if err := m.store.SaveMessage(msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":   "handleIncoming",
			"message_id": id,
			"error":      err.Error(),
		}).Error("Failed to persist inbound message")
		return
	}

	if err := m.transport.SendAck(canonical, id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleIncoming",
			"message_id": id,
			"error":      err.Error(),
		}).Debug("Failed to send acknowledgement")
	}

	for _, cb := range m.msgSubs.Snapshot() {
		cb(msg)
	}
}

// handleAck processes a delivery acknowledgement: the message becomes
// delivered and the acking peer leaves the outbox entry's pending set.
// "Not found" is tolerated throughout; direct sends that succeeded
// immediately never created an entry. Expired and failed are terminal:
// a late or duplicate ack never resurrects the message.
func (m *Manager) handleAck(from string, id string) {
	if _, err := m.requireInit(); err != nil {
		return
	}
	canonical := NormalizeAddress(from)

	if msg, err := m.store.GetMessage(id); err == nil {
		switch msg.Status {
		case storage.StatusExpired, storage.StatusFailed:
			logrus.WithFields(logrus.Fields{
				"function":   "handleAck",
				"message_id": id,
				"status":     string(msg.Status),
			}).Debug("Late acknowledgement for terminal message ignored")
		default:
			m.setStatus(id, storage.StatusDelivered)
		}
	}

	remaining, err := m.store.MarkRecipientAcknowledged(id, canonical)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function":   "handleAck",
				"message_id": id,
				"error":      err.Error(),
			}).Warn("Failed to record acknowledgement")
		}
		return
	}
	if remaining == 0 {
		if err := m.store.DeleteOutboxEntry(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "handleAck",
				"message_id": id,
				"error":      err.Error(),
			}).Warn("Failed to delete fully acknowledged entry")
		}
	}
}

// handlePresence normalizes the address, updates the presence map,
// notifies subscribers, and triggers an immediate outbox flush when a
// peer transitions to online. Events arriving after Cleanup are
// dropped so a detached instance never sends.
func (m *Manager) handlePresence(identity string, status transport.PresenceStatus) {
	if _, err := m.requireInit(); err != nil {
		return
	}
	canonical := NormalizeAddress(identity)
	previous := m.presence.Set(canonical, status)

	for _, cb := range m.presSubs.Snapshot() {
		cb(canonical, status)
	}

	if status == transport.PresenceOnline && previous != transport.PresenceOnline {
		m.scheduler.FlushPeer(canonical)
	}
}
