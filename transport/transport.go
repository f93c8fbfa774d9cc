// Package transport defines the wire transport consumed by the
// messaging core. The transport carries opaque payload blobs and
// reports connectivity, presence, and acknowledgements; the protocol
// behind it is an external concern.
package transport

import "context"

// PresenceStatus is a peer's live status as reported by the transport.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
	PresenceUnknown PresenceStatus = "unknown"
)

// MessageHandler receives an inbound payload. from may carry a
// transport-specific address suffix; id is the sender's message id and
// may be redelivered, so receivers must deduplicate.
type MessageHandler func(from string, payload []byte, id string)

// PresenceHandler receives presence transitions for subscribed peers.
type PresenceHandler func(identity string, status PresenceStatus)

// AckHandler receives delivery acknowledgements for sent message ids.
type AckHandler func(from string, id string)

// Transport delivers opaque bytes between peers. Implementations must
// tolerate duplicate sends of the same message id: the retry loop
// re-sends with the original id until acknowledged.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Send delivers a payload to one peer. It returns an error when the
	// transport is down or the peer is unreachable right now.
	Send(to string, payload []byte, id string) error
	// SendAck acknowledges receipt of the identified message.
	SendAck(to string, id string) error

	// SubscribePresence asks the transport to report status changes for
	// the given peer.
	SubscribePresence(identity string) error

	OnMessage(handler MessageHandler)
	OnPresence(handler PresenceHandler)
	OnAck(handler AckHandler)

	// Multi-party channels for group conversations.
	JoinChannel(channelID string) error
	LeaveChannel(channelID string) error
	SendChannel(channelID string, payload []byte, id string) error
}
