// Package storage defines the durable records of the messaging core
// and the store interfaces it consumes. The persistence engine itself
// is an external collaborator; MemoryStore is the reference
// implementation used by tests and simple embedders.
package storage

import (
	"errors"
	"time"
)

// Store errors. Callers match with errors.Is; "not found" is benign in
// several orchestrator paths and must be tolerated.
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateMessage = errors.New("message already exists")
)

// DeliveryStatus is the message state machine:
// pending → sent → delivered; pending → expired; any → failed.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusExpired   DeliveryStatus = "expired"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is one conversation message. Content is the local plaintext
// copy and never leaves the device. Messages are created on send
// (pending) or receipt (delivered), mutated only by status transitions,
// and never deleted by this core.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	ContentType    string
	Timestamp      time.Time
	Status         DeliveryStatus
	IsRead         bool
}

// OutboxEntry is one undelivered message awaiting retry. It holds
// ciphertext only. PendingRecipients and AcknowledgedRecipients are
// disjoint sets; the entry is destroyed when PendingRecipients empties
// or the entry expires.
type OutboxEntry struct {
	MessageID              string
	ConversationID         string
	Payload                []byte
	CreatedAt              time.Time
	ExpiresAt              time.Time
	PendingRecipients      []string
	AcknowledgedRecipients []string
}

// Contact is a known peer from the directory.
type Contact struct {
	Identity    string
	DisplayName string
	PublicKey   [32]byte
}

// Group is a multi-party conversation. EncryptionMode is fixed when the
// group is created and never re-evaluated as membership churns.
type Group struct {
	ID             string
	Name           string
	Members        []string
	EncryptionMode string
	CreatedAt      time.Time
}

// MessageObserver is notified when a message in an observed
// conversation is saved or changes status.
type MessageObserver func(msg *Message)

// ContactObserver is notified when a contact is saved or deleted. On
// deletion it receives the removed contact's last state.
type ContactObserver func(contact *Contact)

// GroupObserver is notified when a group is saved or its membership
// changes.
type GroupObserver func(group *Group)

// MessageStore persists conversation messages.
type MessageStore interface {
	// SaveMessage inserts a message. Returns ErrDuplicateMessage if a
	// message with the same ID already exists.
	SaveMessage(msg *Message) error
	GetMessage(id string) (*Message, error)
	// GetMessages returns all messages of a conversation, oldest first.
	GetMessages(conversationID string) ([]*Message, error)
	UpdateMessageStatus(id string, status DeliveryStatus) error
	MarkMessageRead(id string) error
	// ObserveMessages registers an observer for one conversation and
	// returns its unsubscribe function.
	ObserveMessages(conversationID string, observer MessageObserver) func()
}

// OutboxStore persists undelivered, already-encrypted messages.
type OutboxStore interface {
	SaveOutboxEntry(entry *OutboxEntry) error
	GetOutboxEntries() ([]*OutboxEntry, error)
	GetOutboxEntriesForRecipient(identity string) ([]*OutboxEntry, error)
	DeleteOutboxEntry(messageID string) error
	// MarkRecipientAcknowledged moves a recipient from the pending to
	// the acknowledged set and returns how many recipients remain
	// pending. Returns ErrNotFound if no entry exists for the message.
	MarkRecipientAcknowledged(messageID, identity string) (remaining int, err error)
	GetExpiredEntries(now time.Time) ([]*OutboxEntry, error)
}

// ContactStore persists contacts and groups.
type ContactStore interface {
	SaveContact(contact *Contact) error
	GetContact(identity string) (*Contact, error)
	// GetContactByName resolves a contact by display name, for
	// transports whose addressing differs from the directory's
	// identity scheme.
	GetContactByName(displayName string) (*Contact, error)
	Contacts() ([]*Contact, error)
	// DeleteContact removes a contact. Deleting an unknown identity is
	// a no-op.
	DeleteContact(identity string) error
	// ObserveContacts registers an observer for directory changes and
	// returns its unsubscribe function.
	ObserveContacts(observer ContactObserver) func()
	SaveGroup(group *Group) error
	GetGroup(id string) (*Group, error)
	UpdateGroupMembers(id string, members []string) error
	// ObserveGroups registers an observer for group changes and
	// returns its unsubscribe function.
	ObserveGroups(observer GroupObserver) func()
}

// Store is the full persistence surface the orchestrator consumes.
type Store interface {
	MessageStore
	OutboxStore
	ContactStore
}
