package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/cryptobox"
)

var (
	testNonce  = make([]byte, cryptobox.NonceSize)
	testEphPub = append(make([]byte, cryptobox.KeySize-1), 1)
)

func build(t *testing.T, kind Kind, ref CiphertextRef, rule ExpiryRule) (*Envelope, error) {
	t.Helper()
	return New(uuid.New(), uuid.New(), kind, ref, testNonce, testEphPub, rule, time.Now())
}

func TestKindRulePairing(t *testing.T) {
	inline := CiphertextRef{Inline: []byte("ct")}
	blob := CiphertextRef{BlobPath: "blobs/a"}

	cases := []struct {
		name    string
		kind    Kind
		ref     CiphertextRef
		rule    ExpiryRule
		wantErr error
	}{
		{"text read-once", KindText, inline, ReadOnce(), nil},
		{"text view-once", KindText, inline, ViewOnce(), nil},
		{"text timed", KindText, inline, Timed(time.Minute), nil},
		{"text daily", KindText, inline, Daily(), nil},
		{"voice playback-once", KindVoice, blob, PlaybackOnce(), nil},
		{"video playback-once", KindVideo, blob, PlaybackOnce(), nil},
		{"voice daily", KindVoice, blob, Daily(), nil},
		{"text playback-once", KindText, inline, PlaybackOnce(), ErrInvalidExpiryForKind},
		{"voice read-once", KindVoice, blob, ReadOnce(), ErrInvalidExpiryForKind},
		{"video read-once", KindVideo, blob, ReadOnce(), ErrInvalidExpiryForKind},
		{"unknown rule", KindText, inline, ExpiryRule{Type: "forever"}, ErrMalformedEnvelope},
		{"negative duration", KindText, inline, ExpiryRule{Type: RuleTime, DurationSeconds: -1}, ErrMalformedEnvelope},
	}
	for _, tc := range cases {
		_, err := build(t, tc.kind, tc.ref, tc.rule)
		if tc.wantErr == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestCiphertextRefMatchesKind(t *testing.T) {
	if _, err := build(t, KindText, CiphertextRef{BlobPath: "blobs/a"}, ViewOnce()); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("text with blob path accepted: %v", err)
	}
	if _, err := build(t, KindVoice, CiphertextRef{Inline: []byte("ct")}, PlaybackOnce()); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("voice with inline ciphertext accepted: %v", err)
	}
}

func TestFieldWidthValidation(t *testing.T) {
	inline := CiphertextRef{Inline: []byte("ct")}
	if _, err := New(uuid.New(), uuid.New(), KindText, inline, testNonce[:10], testEphPub, ViewOnce(), time.Now()); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("short nonce accepted: %v", err)
	}
	if _, err := New(uuid.New(), uuid.New(), KindText, inline, testNonce, testEphPub[:10], ViewOnce(), time.Now()); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("short ephemeral key accepted: %v", err)
	}
	if _, err := New(uuid.Nil, uuid.New(), KindText, inline, testNonce, testEphPub, ViewOnce(), time.Now()); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("nil sender accepted: %v", err)
	}
}

func TestMarkConsumedSetsKindRelevantTimestampOnce(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	text, _ := build(t, KindText, CiphertextRef{Inline: []byte("ct")}, ReadOnce())
	if !text.MarkConsumed(t0) {
		t.Fatalf("first consumption reported no change")
	}
	if text.ReadAt == nil || !text.ReadAt.Equal(t0) {
		t.Fatalf("read-once text did not set readAt")
	}
	if text.ViewedAt != nil || text.PlayedAt != nil {
		t.Fatalf("irrelevant timestamps were set: viewed=%v played=%v", text.ViewedAt, text.PlayedAt)
	}
	if text.Status != StatusViewed {
		t.Fatalf("status %s after consumption, want %s", text.Status, StatusViewed)
	}

	// Duplicate event: identical state afterwards, no error.
	if text.MarkConsumed(t0.Add(time.Hour)) {
		t.Fatalf("second consumption reported a change")
	}
	if !text.ReadAt.Equal(t0) {
		t.Fatalf("duplicate consumption moved readAt to %v", text.ReadAt)
	}

	voice, _ := build(t, KindVoice, CiphertextRef{BlobPath: "blobs/v"}, PlaybackOnce())
	voice.MarkConsumed(t0)
	if voice.PlayedAt == nil {
		t.Fatalf("voice did not set playedAt")
	}
	if voice.ReadAt != nil || voice.ViewedAt != nil {
		t.Fatalf("voice set a non-playback timestamp")
	}
}

func TestAdvanceStatusMonotonic(t *testing.T) {
	e, _ := build(t, KindText, CiphertextRef{Inline: []byte("ct")}, ViewOnce())

	if !e.AdvanceStatus(StatusSent) || !e.AdvanceStatus(StatusDelivered) {
		t.Fatalf("forward transitions rejected")
	}
	// An out-of-order "sent" observation after delivery must coalesce.
	if e.AdvanceStatus(StatusSent) {
		t.Fatalf("status rolled backward")
	}
	if e.Status != StatusDelivered {
		t.Fatalf("status %s, want %s", e.Status, StatusDelivered)
	}
	if e.AdvanceStatus("teleported") {
		t.Fatalf("unknown status accepted")
	}
	e.AdvanceStatus(StatusDisappeared)
	if e.AdvanceStatus(StatusViewed) {
		t.Fatalf("transition out of terminal state accepted")
	}
}
