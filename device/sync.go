package device

import (
	"context"
	"time"

	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
)

// LifecycleSync keeps the device's local envelope state converged with the
// backend. Two sources feed it: the websocket stream (fast, best effort) and
// the disappearance poll (slow, authoritative). Both drain into the same
// idempotent apply path, so the stream going down or an event arriving on
// both channels changes nothing but latency.
type LifecycleSync struct {
	dev      *Device
	interval time.Duration
	since    time.Time
}

func NewLifecycleSync(dev *Device, interval time.Duration) *LifecycleSync {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &LifecycleSync{dev: dev, interval: interval}
}

// Run blocks until ctx is cancelled. The stream is reconnected with a flat
// backoff; polling continues regardless of stream health.
func (s *LifecycleSync) Run(ctx context.Context) error {
	events := make(chan realtime.Event, 32)

	go s.streamLoop(ctx, events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			s.dev.applyEvent(ev)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *LifecycleSync) streamLoop(ctx context.Context, events chan<- realtime.Event) {
	for {
		stream, err := s.dev.client.Listen(ctx)
		if err != nil {
			s.dev.logger.Warn("status stream unavailable", "error", err)
		} else {
			for ev := range stream {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// poll fetches disappearances newer than the last watermark and advances it.
// Overlap with the stream is safe; the apply path coalesces duplicates.
func (s *LifecycleSync) poll(ctx context.Context) {
	events, err := s.dev.client.DisappearedSince(ctx, s.since)
	if err != nil {
		s.dev.logger.Warn("disappearance poll failed", "error", err)
		return
	}
	for _, ev := range events {
		s.dev.applyEvent(ev)
		if ev.At.After(s.since) {
			s.since = ev.At
		}
	}
}
