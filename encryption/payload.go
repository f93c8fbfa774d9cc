package encryption

import (
	"encoding/json"
	"fmt"
)

// Mode identifies which encryption scheme produced a payload.
type Mode string

const (
	// ModeDirect is single-recipient public-key authenticated encryption.
	ModeDirect Mode = "direct"
	// ModeBroadcast encrypts the content independently per recipient;
	// used for small groups.
	ModeBroadcast Mode = "broadcast"
	// ModeSharedKey encrypts the content once under a random key and
	// wraps that key per recipient; used for large groups and media.
	ModeSharedKey Mode = "shared-key"
)

// PayloadVersion is the current wire format version.
const PayloadVersion = 1

// Envelope is one authenticated ciphertext with its nonce. It appears
// as the whole payload (direct), per recipient (broadcast), or as the
// content and per-recipient key wraps (shared-key).
type Envelope struct {
	Nonce      []byte `json:"n"`
	Ciphertext []byte `json:"c"`
}

// Payload is the tagged union of the three encryption modes. Exactly
// one concrete type exists per mode, so decrypt dispatch is an
// exhaustive type switch and a new mode is a compile-time change.
// A Payload never carries unencrypted content.
type Payload interface {
	Mode() Mode
}

// DirectPayload carries a single NaCl box envelope for one recipient.
type DirectPayload struct {
	Envelope Envelope `json:"env"`
}

// Mode returns ModeDirect.
func (DirectPayload) Mode() Mode { return ModeDirect }

// BroadcastPayload carries one independent envelope per recipient,
// keyed by recipient identity.
type BroadcastPayload struct {
	Envelopes map[string]Envelope `json:"envs"`
}

// Mode returns ModeBroadcast.
func (BroadcastPayload) Mode() Mode { return ModeBroadcast }

// SharedKeyPayload carries the content encrypted once under a random
// message key, plus that key wrapped per recipient identity.
type SharedKeyPayload struct {
	Content Envelope            `json:"content"`
	Keys    map[string]Envelope `json:"keys"`
}

// Mode returns ModeSharedKey.
func (SharedKeyPayload) Mode() Mode { return ModeSharedKey }

// wirePayload is the JSON framing that travels over the transport.
type wirePayload struct {
	Mode    Mode            `json:"mode"`
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// MarshalPayload encodes a payload into its opaque wire form.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot marshal nil payload")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload data: %w", err)
	}

	return json.Marshal(wirePayload{
		Mode:    p.Mode(),
		Version: PayloadVersion,
		Data:    data,
	})
}

// UnmarshalPayload decodes the wire form back into the mode-specific
// payload type. Unknown modes and malformed framing are rejected.
func UnmarshalPayload(data []byte) (Payload, error) {
	var wire wirePayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed payload framing: %w", err)
	}

	switch wire.Mode {
	case ModeDirect:
		var p DirectPayload
		if err := json.Unmarshal(wire.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed direct payload: %w", err)
		}
		return &p, nil
	case ModeBroadcast:
		var p BroadcastPayload
		if err := json.Unmarshal(wire.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed broadcast payload: %w", err)
		}
		return &p, nil
	case ModeSharedKey:
		var p SharedKeyPayload
		if err := json.Unmarshal(wire.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed shared-key payload: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown payload mode %q", wire.Mode)
	}
}

// BroadcastMaxRecipients is the largest group that still uses broadcast
// mode. Above this, per-recipient re-encryption of the content costs
// more than encrypting once and wrapping a key per recipient.
const BroadcastMaxRecipients = 8

// SelectMode picks the encryption scheme for a recipient count. It is
// a pure function: 1 is direct, 2 through 8 broadcast, above that
// shared-key. Zero recipients is an error.
func SelectMode(recipientCount int) (Mode, error) {
	switch {
	case recipientCount <= 0:
		return "", ErrNoRecipients
	case recipientCount == 1:
		return ModeDirect, nil
	case recipientCount <= BroadcastMaxRecipients:
		return ModeBroadcast, nil
	default:
		return ModeSharedKey, nil
	}
}
