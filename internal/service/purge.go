package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/metrics"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
)

// sweepBatch bounds how many live rows one sweep evaluates.
const sweepBatch = 500

// Sweep runs one disappearance pass. Phase one re-evaluates live envelopes
// against the same pure expiry predicate the devices use and marks the
// expired ones Disappeared. Phase two hard-deletes rows whose terminal
// instant is past the grace window, together with their blobs. The grace
// window gates deletion only; the expiry evaluation itself has no grace.
func (s *Service) Sweep(ctx context.Context) (marked, purged int, err error) {
	now := s.now().UTC()

	live, err := s.store.Envelopes().Live(ctx, sweepBatch)
	if err != nil {
		return 0, 0, err
	}
	for i := range live {
		row := live[i]
		wire := row.ToEnvelope()
		if !s.eval.IsExpired(&wire, now) {
			continue
		}
		at := now
		if deadline, ok := s.eval.Deadline(&wire); ok {
			// Record the nominal instant, not sweep time, so both devices
			// and the sweep agree on when it disappeared.
			at = deadline
		} else if consumed := wire.ConsumedAt(); consumed != nil {
			at = *consumed
		}
		changed, err := s.store.Envelopes().MarkDisappeared(ctx, row.ID, at)
		if err != nil {
			return marked, purged, err
		}
		if changed {
			marked++
			ev := realtime.Event{EnvelopeID: row.ID, Status: envelope.StatusDisappeared, At: at}
			s.publish(ctx, row.SenderID, ev)
			s.publish(ctx, row.RecipientID, ev)
		}
	}

	purged, blobs, err := s.store.Envelopes().PurgeBefore(ctx, now.Add(-s.grace))
	if err != nil {
		return marked, purged, err
	}
	for _, path := range blobs {
		if err := s.blobs.Delete(ctx, path); err != nil {
			slog.Warn("purge: blob delete failed", "path", path, "error", err)
		}
	}
	return marked, purged, nil
}

// RunPurgeLoop sweeps on a fixed interval until the context is cancelled.
func (s *Service) RunPurgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			marked, purged, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("purge sweep failed", "error", err)
				continue
			}
			if marked > 0 || purged > 0 {
				metrics.EnvelopesPurgedTotal.WithLabelValues().Add(float64(purged))
				slog.Info("purge sweep", "marked_disappeared", marked, "purged", purged)
			}
		}
	}
}
