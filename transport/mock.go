package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// SentRecord captures one Send or SendChannel call on a MockTransport.
type SentRecord struct {
	To        string
	ChannelID string
	Payload   []byte
	ID        string
}

// MockTransport implements Transport in memory for testing. Test code
// scripts connectivity and per-send failures, inspects everything that
// was sent, and injects inbound messages, presence, and acks.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []SentRecord
	acks      []SentRecord
	channels  map[string]bool
	presSubs  map[string]bool

	sendErr  error
	sendFunc func(to string, payload []byte, id string) error

	onMessage  MessageHandler
	onPresence PresenceHandler
	onAck      AckHandler
}

// NewMockTransport creates a disconnected mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		channels: make(map[string]bool),
		presSubs: make(map[string]bool),
	}
}

// Connect marks the transport as connected.
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the transport as disconnected.
func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected reports the scripted connection state.
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected scripts the connection state without Connect/Disconnect.
func (m *MockTransport) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// SetSendError makes every Send fail with err until cleared with nil.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetSendFunc installs a per-call hook deciding each Send's outcome.
func (m *MockTransport) SetSendFunc(f func(to string, payload []byte, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFunc = f
}

// Send records the payload and applies any scripted failure.
func (m *MockTransport) Send(to string, payload []byte, id string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.New("mock transport: not connected")
	}
	sendErr := m.sendErr
	sendFunc := m.sendFunc
	m.mu.Unlock()

	if sendFunc != nil {
		if err := sendFunc(to, payload, id); err != nil {
			return err
		}
	} else if sendErr != nil {
		return sendErr
	}

	m.mu.Lock()
	m.sent = append(m.sent, SentRecord{To: to, Payload: append([]byte(nil), payload...), ID: id})
	m.mu.Unlock()
	return nil
}

// SendAck records the acknowledgement.
func (m *MockTransport) SendAck(to string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("mock transport: not connected")
	}
	m.acks = append(m.acks, SentRecord{To: to, ID: id})
	return nil
}

// SubscribePresence records the subscription.
func (m *MockTransport) SubscribePresence(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presSubs[identity] = true
	return nil
}

// OnMessage installs the inbound message handler.
func (m *MockTransport) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = handler
}

// OnPresence installs the presence handler.
func (m *MockTransport) OnPresence(handler PresenceHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPresence = handler
}

// OnAck installs the acknowledgement handler.
func (m *MockTransport) OnAck(handler AckHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAck = handler
}

// JoinChannel records channel membership.
func (m *MockTransport) JoinChannel(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channelID] = true
	return nil
}

// LeaveChannel removes channel membership.
func (m *MockTransport) LeaveChannel(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
	return nil
}

// SendChannel records a multi-party send.
func (m *MockTransport) SendChannel(channelID string, payload []byte, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("mock transport: not connected")
	}
	m.sent = append(m.sent, SentRecord{ChannelID: channelID, Payload: append([]byte(nil), payload...), ID: id})
	return nil
}

// DeliverMessage injects an inbound message as if the wire produced it.
func (m *MockTransport) DeliverMessage(from string, payload []byte, id string) {
	m.mu.Lock()
	handler := m.onMessage
	m.mu.Unlock()
	if handler != nil {
		handler(from, payload, id)
	}
}

// EmitPresence injects a presence transition.
func (m *MockTransport) EmitPresence(identity string, status PresenceStatus) {
	m.mu.Lock()
	handler := m.onPresence
	m.mu.Unlock()
	if handler != nil {
		handler(identity, status)
	}
}

// EmitAck injects a delivery acknowledgement.
func (m *MockTransport) EmitAck(from string, id string) {
	m.mu.Lock()
	handler := m.onAck
	m.mu.Unlock()
	if handler != nil {
		handler(from, id)
	}
}

// PresenceSubscriptions returns the identities whose presence has been
// subscribed, sorted.
func (m *MockTransport) PresenceSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.presSubs))
	for identity := range m.presSubs {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Sent returns a copy of everything sent so far.
func (m *MockTransport) Sent() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.sent))
	copy(out, m.sent)
	return out
}

// Acks returns a copy of every acknowledgement sent so far.
func (m *MockTransport) Acks() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.acks))
	copy(out, m.acks)
	return out
}

// ClearSent discards the send log.
func (m *MockTransport) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
