// Package domain holds the persistence models for the VanishVoice backend.
// Rows carry ciphertext and public key material only.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/envelope"
)

// DirectoryKey maps a user identity to that device's current long-term
// public key. One row per user; publish upserts in place.
type DirectoryKey struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	PublicKey []byte    `gorm:"type:bytea;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// Envelope is the stored form of envelope.Envelope. The backend treats the
// crypto fields as opaque; only lifecycle columns are ever updated.
type Envelope struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SenderID    uuid.UUID `gorm:"type:uuid;not null;index"`
	RecipientID uuid.UUID `gorm:"type:uuid;not null;index:idx_envelopes_recipient_status,priority:1"`

	Kind               string `gorm:"type:text;not null"`
	Ciphertext         []byte `gorm:"type:bytea"`
	BlobPath           string `gorm:"type:text"`
	Nonce              []byte `gorm:"type:bytea;not null"`
	EphemeralPublicKey []byte `gorm:"type:bytea;not null"`

	RuleType            string `gorm:"type:text;not null"`
	RuleDurationSeconds int64  `gorm:"not null;default:0"`

	CreatedAt     time.Time  `gorm:"not null"`
	ViewedAt      *time.Time `gorm:"type:timestamptz"`
	PlayedAt      *time.Time `gorm:"type:timestamptz"`
	ReadAt        *time.Time `gorm:"type:timestamptz"`
	DisappearedAt *time.Time `gorm:"type:timestamptz;index"`

	Status           string `gorm:"type:text;not null;index:idx_envelopes_recipient_status,priority:2"`
	SenderCleared    bool   `gorm:"not null;default:false"`
	RecipientCleared bool   `gorm:"not null;default:false"`
}

// ToEnvelope converts a stored row back to the wire record.
func (m Envelope) ToEnvelope() envelope.Envelope {
	return envelope.Envelope{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Kind:        envelope.Kind(m.Kind),
		CiphertextRef: envelope.CiphertextRef{
			Inline:   m.Ciphertext,
			BlobPath: m.BlobPath,
		},
		Nonce:              m.Nonce,
		EphemeralPublicKey: m.EphemeralPublicKey,
		ExpiryRule: envelope.ExpiryRule{
			Type:            envelope.RuleType(m.RuleType),
			DurationSeconds: m.RuleDurationSeconds,
		},
		CreatedAt:        m.CreatedAt,
		ViewedAt:         m.ViewedAt,
		PlayedAt:         m.PlayedAt,
		ReadAt:           m.ReadAt,
		Status:           envelope.Status(m.Status),
		SenderCleared:    m.SenderCleared,
		RecipientCleared: m.RecipientCleared,
	}
}

// FromEnvelope converts a wire record to its stored form.
func FromEnvelope(e envelope.Envelope) Envelope {
	return Envelope{
		ID:                  e.ID,
		SenderID:            e.SenderID,
		RecipientID:         e.RecipientID,
		Kind:                string(e.Kind),
		Ciphertext:          e.CiphertextRef.Inline,
		BlobPath:            e.CiphertextRef.BlobPath,
		Nonce:               e.Nonce,
		EphemeralPublicKey:  e.EphemeralPublicKey,
		RuleType:            string(e.ExpiryRule.Type),
		RuleDurationSeconds: e.ExpiryRule.DurationSeconds,
		CreatedAt:           e.CreatedAt,
		ViewedAt:            e.ViewedAt,
		PlayedAt:            e.PlayedAt,
		ReadAt:              e.ReadAt,
		Status:              string(e.Status),
		SenderCleared:       e.SenderCleared,
		RecipientCleared:    e.RecipientCleared,
	}
}
