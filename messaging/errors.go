package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized means the orchestrator was used before
	// Initialize. This is a programmer error, not a runtime condition.
	ErrNotInitialized = errors.New("orchestrator not initialized")

	// ErrRecipientNotFound means no contact exists for the identity.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrGroupNotFound means no group exists with the given id.
	ErrGroupNotFound = errors.New("group not found")
)

// DeliveryError reports a local failure while preparing or persisting
// an outgoing message. Retryable failures resolve by calling
// SendMessage again; non-retryable ones (encryption) surface to the
// user as a failed message.
type DeliveryError struct {
	MessageID string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("delivery failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *DeliveryError) Unwrap() error { return e.Err }
