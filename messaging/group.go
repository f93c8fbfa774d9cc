package messaging

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub001/encryption"
	"github.com/bertvancapelle/CommEazy-sub001/storage"
)

// CreateGroup registers a multi-party conversation and joins its
// transport channel. The group's encryption mode is evaluated once over
// the initial membership and stays fixed for the group's lifetime, so
// every member agrees on the payload shape regardless of later churn.
func (m *Manager) CreateGroup(groupID, name string, memberIdentities []string) (*storage.Group, error) {
	identity, err := m.requireInit()
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(memberIdentities)+1)
	members = append(members, identity)
	for _, member := range memberIdentities {
		if member == identity {
			continue
		}
		if _, err := m.store.GetContact(member); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, member)
		}
		members = append(members, member)
	}

	mode, err := encryption.SelectMode(len(members) - 1)
	if err != nil {
		return nil, fmt.Errorf("group needs at least one member besides the creator: %w", err)
	}

	group := &storage.Group{
		ID:             groupID,
		Name:           name,
		Members:        members,
		EncryptionMode: string(mode),
		CreatedAt:      m.clock.Now(),
	}
	if err := m.store.SaveGroup(group); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}

	if err := m.transport.JoinChannel(groupID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CreateGroup",
			"group":    groupID,
			"error":    err.Error(),
		}).Warn("Failed to join group channel, messages queue until reconnect")
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group":    groupID,
		"members":  len(members),
		"mode":     mode,
	}).Info("Group created")
	return group, nil
}

// SendGroupMessage encrypts content for every other member under the
// group's fixed mode and sends it on the multi-party channel. Offline
// or failed sends queue an outbox entry with the full member set
// pending.
func (m *Manager) SendGroupMessage(groupID, content string) (*storage.Message, error) {
	identity, err := m.requireInit()
	if err != nil {
		return nil, err
	}

	group, err := m.store.GetGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	recipients, pending, err := m.groupRecipients(group, identity)
	if err != nil {
		return nil, err
	}

	payload, err := m.engine.EncryptWithMode([]byte(content), recipients, encryption.Mode(group.EncryptionMode))
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

	msg := newOutgoingMessage(group.ID, identity, displayName, content, m.clock.Now())
	if err := m.store.SaveMessage(msg); err != nil {
		return nil, &DeliveryError{MessageID: msg.ID, Retryable: true, Err: err}
	}

	if m.transport.IsConnected() {
		sendErr := m.transport.SendChannel(group.ID, wire, msg.ID)
		if sendErr == nil {
			m.setStatus(msg.ID, storage.StatusSent)
			msg.Status = storage.StatusSent
			return msg, nil
		}
		logrus.WithFields(logrus.Fields{
			"function":   "SendGroupMessage",
			"message_id": msg.ID,
			"error":      sendErr.Error(),
		}).Debug("Channel send failed, enqueueing to outbox")
	}

	if err := m.enqueueOutbox(msg.ID, group.ID, wire, pending); err != nil {
		m.setStatus(msg.ID, storage.StatusFailed)
		msg.Status = storage.StatusFailed
		return nil, &DeliveryError{MessageID: msg.ID, Retryable: true, Err: err}
	}
	return msg, nil
}

// groupRecipients resolves the other members' keys. Members without a
// directory entry cannot receive an envelope and are skipped with a
// warning; a group with no resolvable members is an error.
func (m *Manager) groupRecipients(group *storage.Group, selfIdentity string) ([]encryption.Recipient, []string, error) {
	var recipients []encryption.Recipient
	var pending []string

	for _, member := range group.Members {
		if member == selfIdentity {
			continue
		}
		contact, err := m.store.GetContact(member)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "groupRecipients",
				"group":    group.ID,
				"member":   member,
			}).Warn("Group member missing from directory, skipped")
			continue
		}
		recipients = append(recipients, encryption.Recipient{
			Identity:  contact.Identity,
			PublicKey: contact.PublicKey,
		})
		pending = append(pending, contact.Identity)
	}

	if len(recipients) == 0 {
		return nil, nil, fmt.Errorf("%w: no resolvable members in group %s", ErrRecipientNotFound, group.ID)
	}
	return recipients, pending, nil
}

// handleGroupMessage processes an inbound multi-party message. The
// channel addresses senders by display name, so the sender is mapped
// back to a directory identity; an unmappable sender fails closed. The
// channel also echoes our own messages back, which are recognized and
// discarded.
func (m *Manager) handleGroupMessage(group *storage.Group, senderName string, payloadBytes []byte, id string) {
	m.mu.RLock()
	identity := m.identity
	displayName := m.displayName
	m.mu.RUnlock()

	if senderName == displayName {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupMessage",
			"group":    group.ID,
		}).Debug("Own message echoed by channel, discarded")
		return
	}

	if _, err := m.store.GetMessage(id); err == nil {
		return
	}

	contact, err := m.store.GetContactByName(senderName)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupMessage",
			"group":    group.ID,
			"sender":   senderName,
		}).Warn("Unmappable group sender, message dropped")
		return
	}
	if contact.Identity == identity {
		return
	}

	payload, err := encryption.UnmarshalPayload(payloadBytes)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupMessage",
			"group":    group.ID,
			"error":    err.Error(),
		}).Warn("Malformed group payload dropped")
		return
	}

	plaintext, err := m.engine.Decrypt(payload, contact.PublicKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupMessage",
			"group":    group.ID,
			"error":    err.Error(),
		}).Warn("Group decryption failed, message dropped")
		return
	}

	msg := newIncomingMessage(id, group.ID, contact.Identity, senderName, string(plaintext), m.clock.Now())
	if err := m.store.SaveMessage(msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":   "handleGroupMessage",
			"message_id": id,
			"error":      err.Error(),
		}).Error("Failed to persist group message")
		return
	}

	if err := m.transport.SendAck(contact.Identity, id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleGroupMessage",
			"message_id": id,
			"error":      err.Error(),
		}).Debug("Failed to send acknowledgement")
	}

	for _, cb := range m.msgSubs.Snapshot() {
		cb(msg)
	}
}

// UpdateGroupMembers replaces the member list. New members must exist
// in the directory. The encryption mode fixed at creation is kept.
func (m *Manager) UpdateGroupMembers(groupID string, members []string) error {
	identity, err := m.requireInit()
	if err != nil {
		return err
	}

	for _, member := range members {
		if member == identity {
			continue
		}
		if _, err := m.store.GetContact(member); err != nil {
			return fmt.Errorf("%w: %s", ErrRecipientNotFound, member)
		}
	}
	if err := m.store.UpdateGroupMembers(groupID, members); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}
		return err
	}
	return nil
}

// LeaveGroup leaves the transport channel for a group.
func (m *Manager) LeaveGroup(groupID string) error {
	if _, err := m.requireInit(); err != nil {
		return err
	}
	return m.transport.LeaveChannel(groupID)
}
