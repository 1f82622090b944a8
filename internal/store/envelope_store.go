package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/internal/domain"
)

type EnvelopeStore struct{ db *gorm.DB }

func (s *Store) Envelopes() *EnvelopeStore { return &EnvelopeStore{db: s.DB} }

func (e *EnvelopeStore) Create(ctx context.Context, env *domain.Envelope) error {
	return e.db.WithContext(ctx).Create(env).Error
}

func (e *EnvelopeStore) Get(ctx context.Context, id uuid.UUID) (*domain.Envelope, error) {
	var env domain.Envelope
	if err := e.db.WithContext(ctx).First(&env, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &env, nil
}

// PendingForRecipient returns live envelopes addressed to the recipient that
// the recipient has not cleared, oldest first.
func (e *EnvelopeStore) PendingForRecipient(ctx context.Context, recipientID uuid.UUID, limit int) ([]domain.Envelope, error) {
	var envs []domain.Envelope
	tx := e.db.WithContext(ctx).
		Where("recipient_id = ? AND status <> ? AND recipient_cleared = ?",
			recipientID, string(envelope.StatusDisappeared), false).
		Order("created_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&envs).Error; err != nil {
		return nil, err
	}
	return envs, nil
}

// statusesBelow lists the ladder positions strictly below to, for use as an
// UPDATE guard: a transition only lands when the row is still below the
// target, which makes every advance monotonic and idempotent at the SQL
// level regardless of arrival order.
func statusesBelow(to envelope.Status) []string {
	ladder := []envelope.Status{
		envelope.StatusSending,
		envelope.StatusSent,
		envelope.StatusDelivered,
		envelope.StatusViewed,
		envelope.StatusDisappeared,
	}
	var below []string
	for _, s := range ladder {
		if s == to {
			break
		}
		below = append(below, string(s))
	}
	return below
}

// AdvanceStatus moves the envelope forward on the ladder. It reports whether
// the row changed; a stale or duplicate transition coalesces to false.
func (e *EnvelopeStore) AdvanceStatus(ctx context.Context, id uuid.UUID, to envelope.Status) (bool, error) {
	if !to.Known() {
		return false, nil
	}
	res := e.db.WithContext(ctx).
		Model(&domain.Envelope{}).
		Where("id = ? AND status IN ?", id, statusesBelow(to)).
		Update("status", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetConsumedAt writes the kind-relevant consumption timestamp if it is
// still null. Reports whether this call was the one that set it.
func (e *EnvelopeStore) SetConsumedAt(ctx context.Context, id uuid.UUID, column string, at time.Time) (bool, error) {
	switch column {
	case "viewed_at", "played_at", "read_at":
	default:
		return false, nil
	}
	res := e.db.WithContext(ctx).
		Model(&domain.Envelope{}).
		Where("id = ? AND "+column+" IS NULL", id).
		Update(column, at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkDisappeared records the terminal state and its instant. Idempotent:
// a row already terminal is left untouched, preserving the original
// disappeared_at.
func (e *EnvelopeStore) MarkDisappeared(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := e.db.WithContext(ctx).
		Model(&domain.Envelope{}).
		Where("id = ? AND status <> ?", id, string(envelope.StatusDisappeared)).
		Updates(map[string]any{
			"status":         string(envelope.StatusDisappeared),
			"disappeared_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClearConversation sets senderCleared and recipientCleared together, in one
// UPDATE, on every envelope between the two users. Clearing is never
// observable as only-one-side-cleared.
func (e *EnvelopeStore) ClearConversation(ctx context.Context, a, b uuid.UUID) (int64, error) {
	res := e.db.WithContext(ctx).
		Model(&domain.Envelope{}).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a).
		Updates(map[string]any{
			"sender_cleared":    true,
			"recipient_cleared": true,
		})
	return res.RowsAffected, res.Error
}

// Live returns envelopes that have not yet disappeared, for the sweep to
// evaluate.
func (e *EnvelopeStore) Live(ctx context.Context, limit int) ([]domain.Envelope, error) {
	var envs []domain.Envelope
	tx := e.db.WithContext(ctx).
		Where("status <> ?", string(envelope.StatusDisappeared)).
		Order("created_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&envs).Error; err != nil {
		return nil, err
	}
	return envs, nil
}

// PurgeBefore hard-deletes rows that disappeared at or before the cutoff.
// It returns the number of rows removed and the blob paths whose ciphertext
// must be deleted with them.
func (e *EnvelopeStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, []string, error) {
	var victims []domain.Envelope
	if err := e.db.WithContext(ctx).
		Select("id", "blob_path").
		Where("disappeared_at IS NOT NULL AND disappeared_at <= ?", cutoff).
		Find(&victims).Error; err != nil {
		return 0, nil, err
	}
	if len(victims) == 0 {
		return 0, nil, nil
	}
	ids := make([]uuid.UUID, 0, len(victims))
	var blobs []string
	for _, v := range victims {
		ids = append(ids, v.ID)
		if v.BlobPath != "" {
			blobs = append(blobs, v.BlobPath)
		}
	}
	if err := e.db.WithContext(ctx).Delete(&domain.Envelope{}, "id IN ?", ids).Error; err != nil {
		return 0, nil, err
	}
	return len(ids), blobs, nil
}

// DisappearedSince lists envelopes touching the user that disappeared after
// since. Both sides poll this to converge with the peer's decisions.
func (e *EnvelopeStore) DisappearedSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]domain.Envelope, error) {
	var envs []domain.Envelope
	err := e.db.WithContext(ctx).
		Where("(sender_id = ? OR recipient_id = ?) AND disappeared_at IS NOT NULL AND disappeared_at > ?",
			userID, userID, since).
		Order("disappeared_at asc").
		Find(&envs).Error
	if err != nil {
		return nil, err
	}
	return envs, nil
}
