package storage

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is a complete in-memory Store implementation. It is safe
// for concurrent use and returns copies of its records so callers can
// never alias internal state.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]*Message
	outbox       map[string]*OutboxEntry
	contacts     map[string]*Contact
	groups       map[string]*Group
	observers        map[string]map[int]MessageObserver
	contactObservers map[int]ContactObserver
	groupObservers   map[int]GroupObserver
	nextObserver     int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:         make(map[string]*Message),
		outbox:           make(map[string]*OutboxEntry),
		contacts:         make(map[string]*Contact),
		groups:           make(map[string]*Group),
		observers:        make(map[string]map[int]MessageObserver),
		contactObservers: make(map[int]ContactObserver),
		groupObservers:   make(map[int]GroupObserver),
	}
}

func copyMessage(msg *Message) *Message {
	c := *msg
	return &c
}

func copyEntry(entry *OutboxEntry) *OutboxEntry {
	c := *entry
	c.Payload = append([]byte(nil), entry.Payload...)
	c.PendingRecipients = append([]string(nil), entry.PendingRecipients...)
	c.AcknowledgedRecipients = append([]string(nil), entry.AcknowledgedRecipients...)
	return &c
}

// SaveMessage inserts a message, rejecting duplicates by ID.
func (s *MemoryStore) SaveMessage(msg *Message) error {
	s.mu.Lock()
	if _, exists := s.messages[msg.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicateMessage
	}
	stored := copyMessage(msg)
	s.messages[msg.ID] = stored
	observers := s.conversationObservers(stored.ConversationID)
	s.mu.Unlock()

	for _, observer := range observers {
		observer(copyMessage(stored))
	}
	return nil
}

// GetMessage returns the message with the given ID.
func (s *MemoryStore) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// GetMessages returns the messages of a conversation, oldest first.
func (s *MemoryStore) GetMessages(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UpdateMessageStatus transitions a message's delivery status.
func (s *MemoryStore) UpdateMessageStatus(id string, status DeliveryStatus) error {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	msg.Status = status
	observers := s.conversationObservers(msg.ConversationID)
	updated := copyMessage(msg)
	s.mu.Unlock()

	for _, observer := range observers {
		observer(copyMessage(updated))
	}
	return nil
}

// MarkMessageRead flags a message as read.
func (s *MemoryStore) MarkMessageRead(id string) error {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	msg.IsRead = true
	observers := s.conversationObservers(msg.ConversationID)
	updated := copyMessage(msg)
	s.mu.Unlock()

	for _, observer := range observers {
		observer(copyMessage(updated))
	}
	return nil
}

// ObserveMessages registers an observer for a conversation. The
// returned function unregisters it.
func (s *MemoryStore) ObserveMessages(conversationID string, observer MessageObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observers[conversationID] == nil {
		s.observers[conversationID] = make(map[int]MessageObserver)
	}
	id := s.nextObserver
	s.nextObserver++
	s.observers[conversationID][id] = observer

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers[conversationID], id)
	}
}

// conversationObservers snapshots observers under the held lock.
func (s *MemoryStore) conversationObservers(conversationID string) []MessageObserver {
	obs := s.observers[conversationID]
	if len(obs) == 0 {
		return nil
	}
	out := make([]MessageObserver, 0, len(obs))
	for _, o := range obs {
		out = append(out, o)
	}
	return out
}

// SaveOutboxEntry inserts or replaces an outbox entry.
func (s *MemoryStore) SaveOutboxEntry(entry *OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outbox[entry.MessageID] = copyEntry(entry)
	return nil
}

// GetOutboxEntries returns all pending entries.
func (s *MemoryStore) GetOutboxEntries() ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*OutboxEntry, 0, len(s.outbox))
	for _, entry := range s.outbox {
		out = append(out, copyEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetOutboxEntriesForRecipient returns entries with the identity still
// in their pending set.
func (s *MemoryStore) GetOutboxEntriesForRecipient(identity string) ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboxEntry
	for _, entry := range s.outbox {
		for _, r := range entry.PendingRecipients {
			if r == identity {
				out = append(out, copyEntry(entry))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteOutboxEntry removes an entry. Deleting a missing entry is a
// no-op: the retry loop and the sweeper may race on the same entry.
func (s *MemoryStore) DeleteOutboxEntry(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.outbox, messageID)
	return nil
}

// MarkRecipientAcknowledged moves identity from pending to
// acknowledged, preserving the disjoint-set invariant, and returns the
// remaining pending count.
func (s *MemoryStore) MarkRecipientAcknowledged(messageID, identity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.outbox[messageID]
	if !ok {
		return 0, ErrNotFound
	}

	pending := entry.PendingRecipients[:0]
	moved := false
	for _, r := range entry.PendingRecipients {
		if r == identity {
			moved = true
			continue
		}
		pending = append(pending, r)
	}
	entry.PendingRecipients = pending
	if moved {
		entry.AcknowledgedRecipients = append(entry.AcknowledgedRecipients, identity)
	}
	return len(entry.PendingRecipients), nil
}

// GetExpiredEntries returns entries whose ExpiresAt has passed.
func (s *MemoryStore) GetExpiredEntries(now time.Time) ([]*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*OutboxEntry
	for _, entry := range s.outbox {
		if now.After(entry.ExpiresAt) {
			out = append(out, copyEntry(entry))
		}
	}
	return out, nil
}

// SaveContact inserts or replaces a contact.
func (s *MemoryStore) SaveContact(contact *Contact) error {
	s.mu.Lock()
	c := *contact
	s.contacts[contact.Identity] = &c
	observers := s.contactObserverList()
	s.mu.Unlock()

	for _, observer := range observers {
		notify := c
		observer(&notify)
	}
	return nil
}

// GetContact returns the contact with the given identity.
func (s *MemoryStore) GetContact(identity string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contact, ok := s.contacts[identity]
	if !ok {
		return nil, ErrNotFound
	}
	c := *contact
	return &c, nil
}

// GetContactByName resolves a contact by display name.
func (s *MemoryStore) GetContactByName(displayName string) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, contact := range s.contacts {
		if contact.DisplayName == displayName {
			c := *contact
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteContact removes a contact, tolerating an unknown identity.
// Observers receive the removed contact's last state.
func (s *MemoryStore) DeleteContact(identity string) error {
	s.mu.Lock()
	contact, existed := s.contacts[identity]
	var removed Contact
	if existed {
		removed = *contact
		delete(s.contacts, identity)
	}
	observers := s.contactObserverList()
	s.mu.Unlock()

	if !existed {
		return nil
	}
	for _, observer := range observers {
		notify := removed
		observer(&notify)
	}
	return nil
}

// ObserveContacts registers an observer for contact saves and deletes.
// The returned function unregisters it.
func (s *MemoryStore) ObserveContacts(observer ContactObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserver
	s.nextObserver++
	s.contactObservers[id] = observer

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.contactObservers, id)
	}
}

// contactObserverList snapshots contact observers under the held lock.
func (s *MemoryStore) contactObserverList() []ContactObserver {
	if len(s.contactObservers) == 0 {
		return nil
	}
	out := make([]ContactObserver, 0, len(s.contactObservers))
	for _, o := range s.contactObservers {
		out = append(out, o)
	}
	return out
}

// Contacts returns all known contacts.
func (s *MemoryStore) Contacts() ([]*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Contact, 0, len(s.contacts))
	for _, contact := range s.contacts {
		c := *contact
		out = append(out, &c)
	}
	return out, nil
}

// SaveGroup inserts or replaces a group.
func (s *MemoryStore) SaveGroup(group *Group) error {
	s.mu.Lock()
	g := *group
	g.Members = append([]string(nil), group.Members...)
	s.groups[group.ID] = &g
	observers := s.groupObserverList()
	s.mu.Unlock()

	s.notifyGroup(observers, &g)
	return nil
}

// ObserveGroups registers an observer for group saves and membership
// changes. The returned function unregisters it.
func (s *MemoryStore) ObserveGroups(observer GroupObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserver
	s.nextObserver++
	s.groupObservers[id] = observer

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.groupObservers, id)
	}
}

// groupObserverList snapshots group observers under the held lock.
func (s *MemoryStore) groupObserverList() []GroupObserver {
	if len(s.groupObservers) == 0 {
		return nil
	}
	out := make([]GroupObserver, 0, len(s.groupObservers))
	for _, o := range s.groupObservers {
		out = append(out, o)
	}
	return out
}

func (s *MemoryStore) notifyGroup(observers []GroupObserver, group *Group) {
	for _, observer := range observers {
		notify := *group
		notify.Members = append([]string(nil), group.Members...)
		observer(&notify)
	}
}

// GetGroup returns the group with the given ID.
func (s *MemoryStore) GetGroup(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	g := *group
	g.Members = append([]string(nil), group.Members...)
	return &g, nil
}

// UpdateGroupMembers replaces a group's member list. The group's
// encryption mode is intentionally left untouched.
func (s *MemoryStore) UpdateGroupMembers(id string, members []string) error {
	s.mu.Lock()
	group, ok := s.groups[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	group.Members = append([]string(nil), members...)
	updated := *group
	updated.Members = append([]string(nil), group.Members...)
	observers := s.groupObserverList()
	s.mu.Unlock()

	s.notifyGroup(observers, &updated)
	return nil
}
