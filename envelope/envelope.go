// Package envelope defines the transportable record binding a message's
// ciphertext to its crypto material and disappearance policy, together with
// the invariants the rest of the pipeline relies on: fixed field widths, a
// monotonic status ladder, and set-once consumption timestamps.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/cryptobox"
)

// Kind is the payload type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Known reports whether k is a recognised message kind.
func (k Kind) Known() bool {
	switch k {
	case KindText, KindVoice, KindVideo:
		return true
	}
	return false
}

// CiphertextRef locates a message's ciphertext: inline bytes for text,
// a blob-store path for voice and video. Exactly one side is set.
type CiphertextRef struct {
	Inline   []byte `json:"inline,omitempty"`
	BlobPath string `json:"blobPath,omitempty"`
}

// Envelope is the record that crosses the backend. Field names here are the
// canonical schema; the backend stores them opaquely and never sees
// plaintext or secret keys.
type Envelope struct {
	ID          uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"senderId"`
	RecipientID uuid.UUID `json:"recipientId"`

	Kind               Kind          `json:"messageKind"`
	CiphertextRef      CiphertextRef `json:"ciphertextRef"`
	Nonce              []byte        `json:"nonce"`
	EphemeralPublicKey []byte        `json:"ephemeralPublicKey"`
	ExpiryRule         ExpiryRule    `json:"expiryRule"`

	CreatedAt time.Time  `json:"createdAt"`
	ViewedAt  *time.Time `json:"viewedAt,omitempty"`
	PlayedAt  *time.Time `json:"playedAt,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`

	Status           Status `json:"status"`
	SenderCleared    bool   `json:"senderCleared"`
	RecipientCleared bool   `json:"recipientCleared"`
}

// New assembles an envelope from encryption output and a chosen rule,
// validating widths and the kind/rule pairing. The envelope starts in
// Sending; persistence by the backend advances it to Sent.
func New(sender, recipient uuid.UUID, kind Kind, ref CiphertextRef, nonce, ephemeralPublicKey []byte, rule ExpiryRule, now time.Time) (*Envelope, error) {
	if sender == uuid.Nil || recipient == uuid.Nil {
		return nil, fmt.Errorf("%w: missing participant", ErrMalformedEnvelope)
	}
	if !kind.Known() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, kind)
	}
	if kind == KindText {
		if len(ref.Inline) == 0 || ref.BlobPath != "" {
			return nil, fmt.Errorf("%w: text requires inline ciphertext", ErrMalformedEnvelope)
		}
	} else {
		if ref.BlobPath == "" || len(ref.Inline) != 0 {
			return nil, fmt.Errorf("%w: %s requires a blob path", ErrMalformedEnvelope, kind)
		}
	}
	if len(nonce) != cryptobox.NonceSize {
		return nil, fmt.Errorf("%w: nonce width %d", ErrMalformedEnvelope, len(nonce))
	}
	if len(ephemeralPublicKey) != cryptobox.KeySize {
		return nil, fmt.Errorf("%w: ephemeral key width %d", ErrMalformedEnvelope, len(ephemeralPublicKey))
	}
	if err := rule.Validate(kind); err != nil {
		return nil, err
	}
	return &Envelope{
		SenderID:           sender,
		RecipientID:        recipient,
		Kind:               kind,
		CiphertextRef:      ref,
		Nonce:              append([]byte(nil), nonce...),
		EphemeralPublicKey: append([]byte(nil), ephemeralPublicKey...),
		ExpiryRule:         rule,
		CreatedAt:          now.UTC(),
		Status:             StatusSending,
	}, nil
}

// ConsumedAt returns the consumption timestamp relevant to the message kind,
// or nil if the message has not been consumed.
func (e *Envelope) ConsumedAt() *time.Time {
	switch e.Kind {
	case KindVoice, KindVideo:
		return e.PlayedAt
	default:
		if e.ReadAt != nil {
			return e.ReadAt
		}
		return e.ViewedAt
	}
}

// MarkConsumed records the kind-relevant consumption timestamp and advances
// status to Viewed. A second call is a no-op; duplicate UI events and
// network retries must not corrupt state. It reports whether anything
// changed.
func (e *Envelope) MarkConsumed(at time.Time) bool {
	if e.ConsumedAt() != nil || e.Status.Terminal() {
		return false
	}
	t := at.UTC()
	switch e.Kind {
	case KindVoice, KindVideo:
		e.PlayedAt = &t
	default:
		if e.ExpiryRule.Type == RuleReadOnce {
			e.ReadAt = &t
		} else {
			e.ViewedAt = &t
		}
	}
	e.AdvanceStatus(StatusViewed)
	return true
}

// AdvanceStatus moves the envelope forward on the ladder. A transition to a
// rank at or below the current one is coalesced into a no-op so that
// out-of-order observations can never roll state backward. It reports
// whether the status changed.
func (e *Envelope) AdvanceStatus(to Status) bool {
	if !to.Known() || e.Status.AtLeast(to) {
		return false
	}
	e.Status = to
	return true
}
