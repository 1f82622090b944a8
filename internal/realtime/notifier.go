// Package realtime fans status-change events out to connected devices. The
// channel is best-effort by contract: subscribers may miss events while
// disconnected, and the polling path in the device package converges to the
// same state without it.
package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/micksolo/VanishVoice-sub006/envelope"
)

// Event is one observed lifecycle change: a status advance on a single
// envelope, or a conversation clear identified by the peer.
type Event struct {
	EnvelopeID uuid.UUID       `json:"envelopeId,omitempty"`
	Status     envelope.Status `json:"status,omitempty"`
	Cleared    bool            `json:"cleared,omitempty"`
	PeerID     uuid.UUID       `json:"peerId,omitempty"`
	At         time.Time       `json:"at"`
}

// Notifier publishes events to a user's devices and hands out subscriptions.
// Publish never blocks on slow consumers; dropped events are acceptable.
type Notifier interface {
	Publish(ctx context.Context, userID uuid.UUID, ev Event) error
	Subscribe(ctx context.Context, userID uuid.UUID) (<-chan Event, func(), error)
}
