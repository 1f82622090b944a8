// Package service implements the backend operations behind the VanishVoice
// API: the public key directory, envelope persistence and lifecycle
// transitions, blob handling, and the disappearance sweep. The backend is
// untrusted with plaintext; every payload that reaches this package is
// ciphertext or public key material.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/cryptobox"
	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/expiry"
	"github.com/micksolo/VanishVoice-sub006/internal/domain"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/metrics"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
	"github.com/micksolo/VanishVoice-sub006/internal/store"
)

// Blobs for consumption-based rules have no deadline until consumed, so
// their storage lifetime is capped outright.
const maxBlobTTL = 7 * 24 * time.Hour

type Service struct {
	store  *store.Store
	blobs  store.BlobStore
	notify realtime.Notifier
	eval   expiry.Evaluator
	grace  time.Duration
	now    func() time.Time
}

func New(st *store.Store, blobs store.BlobStore, notify realtime.Notifier, grace time.Duration) *Service {
	return &Service{
		store:  st,
		blobs:  blobs,
		notify: notify,
		eval:   expiry.Evaluator{Zone: time.UTC},
		grace:  grace,
		now:    time.Now,
	}
}

// WithClock overrides the service time source. Tests step time through it
// instead of sleeping.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PublishKey upserts the user's long-term public key in the directory.
func (s *Service) PublishKey(ctx context.Context, userID uuid.UUID, publicKey []byte) error {
	if userID == uuid.Nil || len(publicKey) != cryptobox.KeySize {
		metrics.DirectoryPublishesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: bad key material", ErrInvalidRequest)
	}
	err := s.store.Directory().Upsert(ctx, domain.DirectoryKey{
		UserID:    userID,
		PublicKey: append([]byte(nil), publicKey...),
	})
	if err != nil {
		metrics.DirectoryPublishesTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.DirectoryPublishesTotal.WithLabelValues("success").Inc()
	return nil
}

// GetKey returns the current public key for the user, or ErrKeyNotFound.
func (s *Service) GetKey(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	key, err := s.store.Directory().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key.PublicKey, nil
}

// Insert persists a sender-assembled envelope. Persistence is the
// Sending→Sent transition: the stored row is always Sent. The backend
// assigns the identifier.
func (s *Service) Insert(ctx context.Context, env envelope.Envelope) (domain.Envelope, error) {
	if env.SenderID == uuid.Nil || env.RecipientID == uuid.Nil {
		return domain.Envelope{}, fmt.Errorf("%w: missing participant", ErrInvalidRequest)
	}
	if len(env.Nonce) != cryptobox.NonceSize || len(env.EphemeralPublicKey) != cryptobox.KeySize {
		return domain.Envelope{}, fmt.Errorf("%w: bad crypto material widths", ErrInvalidRequest)
	}
	if !env.Kind.Known() {
		return domain.Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, env.Kind)
	}
	if err := env.ExpiryRule.Validate(env.Kind); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if env.Kind == envelope.KindText {
		if len(env.CiphertextRef.Inline) == 0 {
			return domain.Envelope{}, fmt.Errorf("%w: missing ciphertext", ErrInvalidRequest)
		}
	} else if env.CiphertextRef.BlobPath == "" {
		return domain.Envelope{}, fmt.Errorf("%w: missing blob path", ErrInvalidRequest)
	}

	row := domain.FromEnvelope(env)
	row.ID = uuid.New()
	row.Status = string(envelope.StatusSent)
	row.ViewedAt, row.PlayedAt, row.ReadAt, row.DisappearedAt = nil, nil, nil, nil
	row.SenderCleared, row.RecipientCleared = false, false
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}

	if err := s.store.Envelopes().Create(ctx, &row); err != nil {
		return domain.Envelope{}, err
	}

	metrics.EnvelopesStoredTotal.WithLabelValues(row.Kind).Inc()
	metrics.EnvelopeCiphertextBytes.WithLabelValues(row.Kind).Observe(float64(len(row.Ciphertext)))
	s.publish(ctx, row.RecipientID, realtime.Event{
		EnvelopeID: row.ID,
		Status:     envelope.StatusSent,
		At:         row.CreatedAt,
	})
	return row, nil
}

// PutBlob stores media ciphertext and returns its opaque path. The TTL is
// bounded by the envelope's purge horizon where one is computable.
func (s *Service) PutBlob(ctx context.Context, data []byte, rule envelope.ExpiryRule, createdAt time.Time) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty blob", ErrInvalidRequest)
	}
	ttl := maxBlobTTL
	if rule.Type == envelope.RuleTime || rule.Type == envelope.RuleDaily {
		sample := envelope.Envelope{ExpiryRule: rule, CreatedAt: createdAt}
		if deadline, ok := s.eval.Deadline(&sample); ok {
			// Headroom past the purge instant so the sweep, not the TTL,
			// is what removes referenced blobs.
			if until := deadline.Add(s.grace + time.Hour).Sub(s.now()); until < ttl && until > 0 {
				ttl = until
			}
		}
	}
	path := "blobs/" + uuid.NewString()
	if err := s.blobs.Put(ctx, path, data, ttl); err != nil {
		return "", err
	}
	return path, nil
}

// GetBlob fetches media ciphertext by path.
func (s *Service) GetBlob(ctx context.Context, path string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, err
	}
	return data, nil
}

// Pending returns undelivered-or-unconsumed envelopes for the recipient,
// oldest first.
func (s *Service) Pending(ctx context.Context, recipientID uuid.UUID, limit int) ([]envelope.Envelope, error) {
	if recipientID == uuid.Nil {
		return nil, ErrInvalidRequest
	}
	rows, err := s.store.Envelopes().PendingForRecipient(ctx, recipientID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]envelope.Envelope, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToEnvelope())
	}
	return out, nil
}

// MarkDelivered applies the recipient-only Sent→Delivered transition.
// Duplicate or out-of-order calls coalesce.
func (s *Service) MarkDelivered(ctx context.Context, id, userID uuid.UUID) error {
	row, err := s.loadFor(ctx, id, userID)
	if err != nil {
		return err
	}
	if row.RecipientID != userID {
		return ErrNotParticipant
	}
	changed, err := s.store.Envelopes().AdvanceStatus(ctx, id, envelope.StatusDelivered)
	if err != nil {
		return err
	}
	s.countTransition(envelope.StatusDelivered, changed)
	if changed {
		s.publish(ctx, row.SenderID, realtime.Event{
			EnvelopeID: id,
			Status:     envelope.StatusDelivered,
			At:         s.now().UTC(),
		})
	}
	return nil
}

// MarkConsumed records the consumption event for the envelope: the
// kind-relevant timestamp is set once, status advances to Viewed, and a
// consumption-based rule disappears synchronously. Calling it again is a
// no-op.
func (s *Service) MarkConsumed(ctx context.Context, id, userID uuid.UUID) error {
	row, err := s.loadFor(ctx, id, userID)
	if err != nil {
		return err
	}
	if row.RecipientID != userID {
		return ErrNotParticipant
	}

	column := "viewed_at"
	switch {
	case row.Kind == string(envelope.KindVoice) || row.Kind == string(envelope.KindVideo):
		column = "played_at"
	case row.RuleType == string(envelope.RuleReadOnce):
		column = "read_at"
	}

	at := s.now().UTC()
	var set, changed bool
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		set, err = tx.Envelopes().SetConsumedAt(ctx, id, column, at)
		if err != nil {
			return err
		}
		changed, err = tx.Envelopes().AdvanceStatus(ctx, id, envelope.StatusViewed)
		return err
	})
	if err != nil {
		return err
	}
	s.countTransition(envelope.StatusViewed, changed)
	if !set && !changed {
		return nil
	}
	s.publish(ctx, row.SenderID, realtime.Event{EnvelopeID: id, Status: envelope.StatusViewed, At: at})

	rule := envelope.ExpiryRule{Type: envelope.RuleType(row.RuleType), DurationSeconds: row.RuleDurationSeconds}
	if rule.ConsumptionBased() {
		return s.disappear(ctx, row, at)
	}
	return nil
}

// MarkDisappeared applies the terminal transition on behalf of either
// participant. Idempotent.
func (s *Service) MarkDisappeared(ctx context.Context, id, userID uuid.UUID) error {
	row, err := s.loadFor(ctx, id, userID)
	if err != nil {
		return err
	}
	return s.disappear(ctx, row, s.now().UTC())
}

func (s *Service) disappear(ctx context.Context, row *domain.Envelope, at time.Time) error {
	changed, err := s.store.Envelopes().MarkDisappeared(ctx, row.ID, at)
	if err != nil {
		return err
	}
	s.countTransition(envelope.StatusDisappeared, changed)
	if changed {
		ev := realtime.Event{EnvelopeID: row.ID, Status: envelope.StatusDisappeared, At: at}
		s.publish(ctx, row.SenderID, ev)
		s.publish(ctx, row.RecipientID, ev)
	}
	return nil
}

// Clear marks the conversation cleared for both participants in a single
// operation. A partially-cleared conversation is never observable.
func (s *Service) Clear(ctx context.Context, userID, peerID uuid.UUID) error {
	if userID == uuid.Nil || peerID == uuid.Nil {
		return ErrInvalidRequest
	}
	n, err := s.store.Envelopes().ClearConversation(ctx, userID, peerID)
	if err != nil {
		return err
	}
	if n > 0 {
		at := s.now().UTC()
		s.publish(ctx, userID, realtime.Event{Cleared: true, PeerID: peerID, At: at})
		s.publish(ctx, peerID, realtime.Event{Cleared: true, PeerID: userID, At: at})
	}
	return nil
}

// DisappearedSince is the polling view of disappearance: every envelope
// touching the user that reached the terminal state after the given instant.
func (s *Service) DisappearedSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]realtime.Event, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidRequest
	}
	rows, err := s.store.Envelopes().DisappearedSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	events := make([]realtime.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, realtime.Event{
			EnvelopeID: row.ID,
			Status:     envelope.StatusDisappeared,
			At:         *row.DisappearedAt,
		})
	}
	return events, nil
}

// Get returns one envelope for a participant.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (envelope.Envelope, error) {
	row, err := s.loadFor(ctx, id, userID)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return row.ToEnvelope(), nil
}

func (s *Service) loadFor(ctx context.Context, id, userID uuid.UUID) (*domain.Envelope, error) {
	if id == uuid.Nil || userID == uuid.Nil {
		return nil, ErrInvalidRequest
	}
	row, err := s.store.Envelopes().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, err
	}
	if row.SenderID != userID && row.RecipientID != userID {
		return nil, ErrNotParticipant
	}
	return row, nil
}

func (s *Service) publish(ctx context.Context, userID uuid.UUID, ev realtime.Event) {
	if err := s.notify.Publish(ctx, userID, ev); err != nil {
		// Best-effort channel; polling converges without it.
		slog.Warn("notify publish failed", "error", err, "user_id", userID)
	}
}

func (s *Service) countTransition(to envelope.Status, changed bool) {
	outcome := "applied"
	if !changed {
		outcome = "coalesced"
	}
	metrics.StatusTransitionsTotal.WithLabelValues(string(to), outcome).Inc()
}
