package service_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/micksolo/VanishVoice-sub006/cryptobox"
	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/metrics"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
	"github.com/micksolo/VanishVoice-sub006/internal/service"
	"github.com/micksolo/VanishVoice-sub006/internal/store"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("test")
	os.Exit(m.Run())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupService(t *testing.T, grace time.Duration) (*service.Service, *fakeClock) {
	t.Helper()

	// Unique DSN per test; the sweep scans the whole table and must not see
	// another test's rows.
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := service.New(st, store.NewMemoryBlobStore(), realtime.NewLocalNotifier(), grace).WithClock(clock.Now)
	return svc, clock
}

func registerUser(t *testing.T, svc *service.Service) (uuid.UUID, cryptobox.KeyPair) {
	t.Helper()
	kp, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	userID := uuid.New()
	if err := svc.PublishKey(context.Background(), userID, kp.Public[:]); err != nil {
		t.Fatalf("publish key: %v", err)
	}
	return userID, kp
}

func sealedEnvelope(t *testing.T, svc *service.Service, sender, recipient uuid.UUID, recipientKey []byte, kind envelope.Kind, rule envelope.ExpiryRule, plaintext []byte, at time.Time) *envelope.Envelope {
	t.Helper()
	ciphertext, nonce, ephPub, err := cryptobox.Encrypt(plaintext, recipientKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var ref envelope.CiphertextRef
	if kind == envelope.KindText {
		ref.Inline = ciphertext
	} else {
		path, err := svc.PutBlob(context.Background(), ciphertext, rule, at)
		if err != nil {
			t.Fatalf("put blob: %v", err)
		}
		ref.BlobPath = path
	}
	env, err := envelope.New(sender, recipient, kind, ref, nonce, ephPub, rule, at)
	if err != nil {
		t.Fatalf("assemble envelope: %v", err)
	}
	return env
}

func TestPublishAndFetchKey(t *testing.T) {
	svc, _ := setupService(t, 0)
	ctx := context.Background()

	userID, kp := registerUser(t, svc)

	key, err := svc.GetKey(ctx, userID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if string(key) != string(kp.Public[:]) {
		t.Fatalf("fetched key does not match published key")
	}

	if _, err := svc.GetKey(ctx, uuid.New()); !errors.Is(err, service.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for unknown user, got %v", err)
	}

	if err := svc.PublishKey(ctx, userID, []byte("short")); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad key width, got %v", err)
	}

	// Rotation is an upsert, not a conflict.
	kp2, _ := cryptobox.GenerateKeyPair()
	if err := svc.PublishKey(ctx, userID, kp2.Public[:]); err != nil {
		t.Fatalf("republish key: %v", err)
	}
	key, _ = svc.GetKey(ctx, userID)
	if string(key) != string(kp2.Public[:]) {
		t.Fatalf("expected rotated key")
	}
}

func TestViewOnceLifecycle(t *testing.T) {
	svc, clock := setupService(t, 0)
	ctx := context.Background()

	sender, _ := registerUser(t, svc)
	recipient, rkp := registerUser(t, svc)

	env := sealedEnvelope(t, svc, sender, recipient, rkp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("hi"), clock.Now())
	row, err := svc.Insert(ctx, *env)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row.Status != string(envelope.StatusSent) {
		t.Fatalf("stored envelope should be Sent, got %s", row.Status)
	}

	pending, err := svc.Pending(ctx, recipient, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != row.ID {
		t.Fatalf("expected the inserted envelope pending, got %d", len(pending))
	}

	if err := svc.MarkDelivered(ctx, row.ID, recipient); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	// Replays coalesce.
	if err := svc.MarkDelivered(ctx, row.ID, recipient); err != nil {
		t.Fatalf("repeat mark delivered: %v", err)
	}

	clock.Advance(time.Minute)
	if err := svc.MarkConsumed(ctx, row.ID, recipient); err != nil {
		t.Fatalf("mark consumed: %v", err)
	}

	got, err := svc.Get(ctx, row.ID, recipient)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ViewedAt == nil {
		t.Fatalf("expected viewedAt set")
	}
	if got.Status != envelope.StatusDisappeared {
		t.Fatalf("view-once consumption should disappear synchronously, got %s", got.Status)
	}

	viewedAt := *got.ViewedAt
	clock.Advance(time.Minute)
	if err := svc.MarkConsumed(ctx, row.ID, recipient); err != nil {
		t.Fatalf("repeat mark consumed: %v", err)
	}
	got, _ = svc.Get(ctx, row.ID, recipient)
	if !got.ViewedAt.Equal(viewedAt) {
		t.Fatalf("viewedAt moved on repeat consumption: %v -> %v", viewedAt, got.ViewedAt)
	}

	pending, _ = svc.Pending(ctx, recipient, 10)
	if len(pending) != 0 {
		t.Fatalf("disappeared envelope still pending")
	}

	events, err := svc.DisappearedSince(ctx, sender, time.Time{})
	if err != nil {
		t.Fatalf("disappearances: %v", err)
	}
	if len(events) != 1 || events[0].EnvelopeID != row.ID {
		t.Fatalf("sender poll should see the disappearance, got %d events", len(events))
	}
}

func TestDeliveredRequiresRecipient(t *testing.T) {
	svc, clock := setupService(t, 0)
	ctx := context.Background()

	sender, _ := registerUser(t, svc)
	recipient, rkp := registerUser(t, svc)
	stranger, _ := registerUser(t, svc)

	env := sealedEnvelope(t, svc, sender, recipient, rkp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("hi"), clock.Now())
	row, err := svc.Insert(ctx, *env)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := svc.MarkDelivered(ctx, row.ID, stranger); !errors.Is(err, service.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for stranger, got %v", err)
	}
	if err := svc.MarkDelivered(ctx, row.ID, sender); !errors.Is(err, service.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for sender delivery ack, got %v", err)
	}
	if _, err := svc.Get(ctx, row.ID, stranger); !errors.Is(err, service.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant on get, got %v", err)
	}
}

func TestSweepMarksThenPurgesAfterGrace(t *testing.T) {
	grace := 30 * time.Second
	svc, clock := setupService(t, grace)
	ctx := context.Background()

	sender, _ := registerUser(t, svc)
	recipient, rkp := registerUser(t, svc)

	env := sealedEnvelope(t, svc, sender, recipient, rkp.Public[:], envelope.KindVoice, envelope.Timed(10*time.Second), []byte("voice-ciphertext"), clock.Now())
	row, err := svc.Insert(ctx, *env)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	blobPath := row.BlobPath
	if blobPath == "" {
		t.Fatalf("voice envelope should reference a blob")
	}

	// Before the deadline nothing happens.
	marked, purged, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if marked != 0 || purged != 0 {
		t.Fatalf("premature sweep action: marked=%d purged=%d", marked, purged)
	}

	// Past the deadline but inside the grace window: marked, not purged.
	clock.Advance(11 * time.Second)
	marked, purged, err = svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if marked != 1 || purged != 0 {
		t.Fatalf("expected mark without purge, got marked=%d purged=%d", marked, purged)
	}
	got, err := svc.Get(ctx, row.ID, recipient)
	if err != nil {
		t.Fatalf("get after mark: %v", err)
	}
	if got.Status != envelope.StatusDisappeared {
		t.Fatalf("expected Disappeared after sweep, got %s", got.Status)
	}
	if _, err := svc.GetBlob(ctx, blobPath); err != nil {
		t.Fatalf("blob should survive the grace window: %v", err)
	}

	// Past grace: the row and its blob go.
	clock.Advance(grace + time.Second)
	marked, purged, err = svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if marked != 0 || purged != 1 {
		t.Fatalf("expected purge, got marked=%d purged=%d", marked, purged)
	}
	if _, err := svc.Get(ctx, row.ID, recipient); !errors.Is(err, service.ErrEnvelopeNotFound) {
		t.Fatalf("expected ErrEnvelopeNotFound after purge, got %v", err)
	}
	if _, err := svc.GetBlob(ctx, blobPath); !errors.Is(err, service.ErrEnvelopeNotFound) {
		t.Fatalf("expected blob gone after purge, got %v", err)
	}
}

func TestSweepLeavesUnconsumedViewOnceAlone(t *testing.T) {
	svc, clock := setupService(t, 0)
	ctx := context.Background()

	sender, _ := registerUser(t, svc)
	recipient, rkp := registerUser(t, svc)

	env := sealedEnvelope(t, svc, sender, recipient, rkp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("hi"), clock.Now())
	row, err := svc.Insert(ctx, *env)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	clock.Advance(365 * 24 * time.Hour)
	marked, purged, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if marked != 0 || purged != 0 {
		t.Fatalf("unconsumed view-once must never expire, got marked=%d purged=%d", marked, purged)
	}
	got, err := svc.Get(ctx, row.ID, recipient)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == envelope.StatusDisappeared {
		t.Fatalf("unconsumed view-once disappeared")
	}
}

func TestMutualClearIsAtomic(t *testing.T) {
	svc, clock := setupService(t, 0)
	ctx := context.Background()

	alice, akp := registerUser(t, svc)
	bob, bkp := registerUser(t, svc)
	carol, ckp := registerUser(t, svc)

	// Messages in both directions between alice and bob, plus one with carol
	// that must be untouched.
	e1 := sealedEnvelope(t, svc, alice, bob, bkp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("a->b"), clock.Now())
	r1, _ := svc.Insert(ctx, *e1)
	e2 := sealedEnvelope(t, svc, bob, alice, akp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("b->a"), clock.Now())
	r2, _ := svc.Insert(ctx, *e2)
	e3 := sealedEnvelope(t, svc, alice, carol, ckp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("a->c"), clock.Now())
	r3, _ := svc.Insert(ctx, *e3)

	if err := svc.Clear(ctx, alice, bob); err != nil {
		t.Fatalf("clear: %v", err)
	}

	for _, id := range []uuid.UUID{r1.ID, r2.ID} {
		got, err := svc.Get(ctx, id, alice)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if !got.SenderCleared || !got.RecipientCleared {
			t.Fatalf("clear must set both flags together, got sender=%v recipient=%v", got.SenderCleared, got.RecipientCleared)
		}
	}
	got, _ := svc.Get(ctx, r3.ID, alice)
	if got.SenderCleared || got.RecipientCleared {
		t.Fatalf("clear leaked into another conversation")
	}

	pending, _ := svc.Pending(ctx, bob, 10)
	if len(pending) != 0 {
		t.Fatalf("cleared conversation still pending for bob")
	}
	pending, _ = svc.Pending(ctx, carol, 10)
	if len(pending) != 1 {
		t.Fatalf("carol's conversation should be untouched")
	}

	// Idempotent.
	if err := svc.Clear(ctx, alice, bob); err != nil {
		t.Fatalf("repeat clear: %v", err)
	}
}

func TestInsertRejectsBadMaterial(t *testing.T) {
	svc, clock := setupService(t, 0)
	ctx := context.Background()

	sender, _ := registerUser(t, svc)
	recipient, rkp := registerUser(t, svc)

	good := sealedEnvelope(t, svc, sender, recipient, rkp.Public[:], envelope.KindText, envelope.ViewOnce(), []byte("hi"), clock.Now())

	bad := *good
	bad.Nonce = bad.Nonce[:len(bad.Nonce)-1]
	if _, err := svc.Insert(ctx, bad); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for short nonce, got %v", err)
	}

	bad = *good
	bad.ExpiryRule = envelope.PlaybackOnce()
	if _, err := svc.Insert(ctx, bad); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for playback-once text, got %v", err)
	}

	bad = *good
	bad.CiphertextRef = envelope.CiphertextRef{}
	if _, err := svc.Insert(ctx, bad); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing ciphertext, got %v", err)
	}
}
