// Package device implements the client half of the pipeline: key management,
// directory lookup, encrypt-assemble-send, fetch-decrypt-consume, and the
// lifecycle sync loop that keeps local disappearance state converged with the
// backend. All crypto happens here; the backend only ever sees envelopes.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/cryptobox"
	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/expiry"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
)

// Device is one user's messaging endpoint. Envelopes it has sent or fetched
// live in a local map; the sync loop and explicit operations mutate them
// through the same idempotent envelope methods, so replays are harmless.
type Device struct {
	ID     uuid.UUID
	keys   cryptobox.KeyPair
	client *Client
	eval   expiry.Evaluator
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	messages map[uuid.UUID]*envelope.Envelope
	peerKeys map[uuid.UUID][]byte
}

// New loads or creates the device keypair, publishes the public key, and
// returns a registered device ready to send and receive.
func New(ctx context.Context, id uuid.UUID, store SecretStore, client *Client, logger *slog.Logger) (*Device, error) {
	keys, err := GenerateOrLoad(store)
	if err != nil {
		return nil, err
	}
	if err := client.Register(ctx, id, keys.Public[:]); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		ID:       id,
		keys:     keys,
		client:   client,
		eval:     expiry.Evaluator{},
		logger:   logger.With("device_id", id),
		now:      time.Now,
		messages: make(map[uuid.UUID]*envelope.Envelope),
		peerKeys: make(map[uuid.UUID][]byte),
	}, nil
}

// WithZone anchors the daily rule's midnight boundary to the given zone.
// The default is the device's local zone.
func (d *Device) WithZone(zone *time.Location) *Device {
	d.eval = expiry.Evaluator{Zone: zone}
	return d
}

// PublicKey returns the device's long-term public key.
func (d *Device) PublicKey() []byte {
	return append([]byte(nil), d.keys.Public[:]...)
}

func (d *Device) recipientKey(ctx context.Context, recipient uuid.UUID) ([]byte, error) {
	d.mu.Lock()
	key, ok := d.peerKeys[recipient]
	d.mu.Unlock()
	if ok {
		return key, nil
	}
	key, err := d.client.FetchKey(ctx, recipient)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.peerKeys[recipient] = key
	d.mu.Unlock()
	return key, nil
}

// Send encrypts plaintext for the recipient and submits the envelope. Text
// ciphertext travels inline; voice and video ciphertext is uploaded to the
// blob store first and referenced by path. The returned envelope is the
// backend's stored copy in Sent.
func (d *Device) Send(ctx context.Context, recipient uuid.UUID, kind envelope.Kind, plaintext []byte, rule envelope.ExpiryRule) (envelope.Envelope, error) {
	recipientKey, err := d.recipientKey(ctx, recipient)
	if err != nil {
		return envelope.Envelope{}, err
	}
	ciphertext, nonce, ephemeralPublic, err := cryptobox.Encrypt(plaintext, recipientKey)
	if err != nil {
		return envelope.Envelope{}, err
	}

	createdAt := d.now()
	var ref envelope.CiphertextRef
	if kind == envelope.KindText {
		ref.Inline = ciphertext
	} else {
		path, err := d.client.PutBlob(ctx, ciphertext, rule, createdAt)
		if err != nil {
			return envelope.Envelope{}, err
		}
		ref.BlobPath = path
	}

	env, err := envelope.New(d.ID, recipient, kind, ref, nonce, ephemeralPublic, rule, createdAt)
	if err != nil {
		return envelope.Envelope{}, err
	}
	stored, err := d.client.Insert(ctx, env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	d.track(&stored)
	return stored, nil
}

// Fetch pulls pending envelopes, acknowledges delivery, and tracks them
// locally. Ciphertext stays sealed until Open.
func (d *Device) Fetch(ctx context.Context) ([]envelope.Envelope, error) {
	envs, err := d.client.Pending(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i := range envs {
		if err := d.client.MarkDelivered(ctx, envs[i].ID); err != nil {
			d.logger.Warn("delivery ack failed", "envelope_id", envs[i].ID, "error", err)
		} else {
			envs[i].AdvanceStatus(envelope.StatusDelivered)
		}
		d.track(&envs[i])
	}
	return envs, nil
}

// Open decrypts a tracked envelope and records consumption. A message whose
// rule has already fired cannot be opened; for consumption-based rules that
// includes a second open of the same message. The consumption timestamp is
// set once no matter how many view events the UI emits.
func (d *Device) Open(ctx context.Context, id uuid.UUID) ([]byte, error) {
	// The sync loop mutates tracked envelopes under d.mu; evaluate and
	// decrypt from a snapshot so reads never overlap those writes.
	env, snapshot, ok := d.snapshot(id)
	if !ok {
		return nil, fmt.Errorf("unknown envelope %s", id)
	}
	if snapshot.RecipientID != d.ID {
		return nil, fmt.Errorf("envelope %s was not sent to this device", id)
	}
	now := d.now()
	if d.eval.IsExpired(&snapshot, now) {
		return nil, fmt.Errorf("envelope %s has disappeared", id)
	}

	ciphertext := snapshot.CiphertextRef.Inline
	if snapshot.CiphertextRef.BlobPath != "" {
		blob, err := d.client.GetBlob(ctx, snapshot.CiphertextRef.BlobPath)
		if err != nil {
			if errors.Is(err, ErrContentGone) {
				// Storage retention removed the media before it was
				// consumed. Retire the envelope instead of leaving a live
				// message that can never open.
				if derr := d.MarkDisappeared(ctx, id); derr != nil {
					d.logger.Warn("retire after lost blob failed", "envelope_id", id, "error", derr)
				}
			}
			return nil, err
		}
		ciphertext = blob
	}
	plaintext, err := cryptobox.Decrypt(ciphertext, snapshot.Nonce, snapshot.EphemeralPublicKey, d.keys.Secret[:])
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	changed := env.MarkConsumed(now)
	d.mu.Unlock()
	if changed {
		if err := d.client.MarkConsumed(ctx, id); err != nil {
			// Local state already advanced; the sync loop retries nothing,
			// but the backend sweep reaches the same verdict on its own.
			d.logger.Warn("consumption report failed", "envelope_id", id, "error", err)
		}
	}
	return plaintext, nil
}

// IsExpired evaluates the envelope's rule against the device clock.
func (d *Device) IsExpired(id uuid.UUID) bool {
	_, snapshot, ok := d.snapshot(id)
	if !ok {
		return false
	}
	return d.eval.IsExpired(&snapshot, d.now())
}

// snapshot returns the tracked pointer plus a copy taken under the lock.
// Callers read the copy and re-lock before mutating through the pointer.
func (d *Device) snapshot(id uuid.UUID) (*envelope.Envelope, envelope.Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	env, ok := d.messages[id]
	if !ok {
		return nil, envelope.Envelope{}, false
	}
	return env, *env, true
}

// MarkDisappeared retires an envelope locally and tells the backend. Both
// sides are idempotent; repeated calls converge on the same terminal state.
func (d *Device) MarkDisappeared(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	if env, ok := d.messages[id]; ok {
		env.AdvanceStatus(envelope.StatusDisappeared)
		env.CiphertextRef = envelope.CiphertextRef{}
	}
	d.mu.Unlock()
	return d.client.MarkDisappeared(ctx, id)
}

// Clear removes the conversation with peer for both participants.
func (d *Device) Clear(ctx context.Context, peer uuid.UUID) error {
	if err := d.client.Clear(ctx, peer); err != nil {
		return err
	}
	d.mu.Lock()
	for _, env := range d.messages {
		if env.SenderID == peer || env.RecipientID == peer {
			env.SenderCleared = true
			env.RecipientCleared = true
		}
	}
	d.mu.Unlock()
	return nil
}

// Message returns a copy of a tracked envelope.
func (d *Device) Message(id uuid.UUID) (envelope.Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	env, ok := d.messages[id]
	if !ok {
		return envelope.Envelope{}, false
	}
	return *env, true
}

func (d *Device) track(env *envelope.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.messages[env.ID]; ok {
		d.reconcileLocked(existing, env.Status)
		return
	}
	cp := *env
	d.messages[env.ID] = &cp
}

// applyEvent is the single reconcile path for both the poll loop and the
// realtime stream. Events are observations, not commands: they only ever
// move status forward, and duplicates collapse to no-ops.
func (d *Device) applyEvent(ev realtime.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Cleared {
		for _, env := range d.messages {
			if env.SenderID == ev.PeerID || env.RecipientID == ev.PeerID {
				env.SenderCleared = true
				env.RecipientCleared = true
			}
		}
		return
	}
	env, ok := d.messages[ev.EnvelopeID]
	if !ok {
		return
	}
	d.reconcileLocked(env, ev.Status)
}

func (d *Device) reconcileLocked(env *envelope.Envelope, to envelope.Status) {
	if !env.AdvanceStatus(to) {
		return
	}
	if to == envelope.StatusDisappeared {
		env.CiphertextRef = envelope.CiphertextRef{}
	}
}
