package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/bertvancapelle/CommEazy-sub001/storage"
)

// ContentTypeText is the content type of plain text messages.
const ContentTypeText = "text/plain"

// newOutgoingMessage builds the local plaintext copy of a message being
// sent. It starts pending; the send path advances it.
func newOutgoingMessage(conversationID, senderID, senderName, content string, now time.Time) *storage.Message {
	return &storage.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Content:        content,
		ContentType:    ContentTypeText,
		Timestamp:      now,
		Status:         storage.StatusPending,
		IsRead:         false,
	}
}

// newIncomingMessage builds the persisted form of a received message.
// It is delivered on arrival and unread until the user sees it. The id
// is the sender's, kept so acknowledgement and dedup line up.
func newIncomingMessage(id, conversationID, senderID, senderName, content string, now time.Time) *storage.Message {
	return &storage.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Content:        content,
		ContentType:    ContentTypeText,
		Timestamp:      now,
		Status:         storage.StatusDelivered,
		IsRead:         false,
	}
}
