// Package expiry decides when a message has disappeared. Evaluation is a
// pure function of envelope fields and a caller-supplied instant, so polling
// loops, the backend sweep and ad-hoc UI checks can all recompute it and
// always agree. The package performs no I/O and cannot fail; sourcing the
// clock and persisting transitions belong to its callers.
package expiry

import (
	"time"

	"github.com/micksolo/VanishVoice-sub006/envelope"
)

// Evaluator evaluates disappearance for one device. Zone anchors the Daily
// rule's midnight boundary; a zero Evaluator uses the local zone.
type Evaluator struct {
	Zone *time.Location
}

func (ev Evaluator) zone() *time.Location {
	if ev.Zone != nil {
		return ev.Zone
	}
	return time.Local
}

// Deadline returns the wall-clock instant at which a time-driven rule fires.
// ok is false for consumption-driven rules, which have no deadline until
// they are consumed.
func (ev Evaluator) Deadline(e *envelope.Envelope) (deadline time.Time, ok bool) {
	switch e.ExpiryRule.Type {
	case envelope.RuleTime:
		return e.CreatedAt.Add(e.ExpiryRule.Duration()), true
	case envelope.RuleDaily:
		return nextMidnight(e.CreatedAt, ev.zone()), true
	}
	return time.Time{}, false
}

// IsExpired reports whether the envelope has disappeared as of now. Once it
// returns true for some instant it returns true for every later instant;
// there is no resurrection path. The purge grace window never influences
// this answer.
func (ev Evaluator) IsExpired(e *envelope.Envelope, now time.Time) bool {
	if e.Status.Terminal() {
		return true
	}
	if deadline, ok := ev.Deadline(e); ok {
		return !now.Before(deadline)
	}
	// Consumption rules disappear synchronously with consumption.
	return e.ConsumedAt() != nil
}

// PurgeAt returns the instant from which hard deletion is permitted: the
// disappearance instant plus the grace window. The grace tolerates clock
// skew and in-flight UI animation; it affects purge scheduling only. ok is
// false while the disappearance instant is not yet determined.
func (ev Evaluator) PurgeAt(e *envelope.Envelope, grace time.Duration) (at time.Time, ok bool) {
	if deadline, ok := ev.Deadline(e); ok {
		return deadline.Add(grace), true
	}
	if consumed := e.ConsumedAt(); consumed != nil {
		return consumed.Add(grace), true
	}
	return time.Time{}, false
}

// nextMidnight is the first midnight strictly after t in zone.
func nextMidnight(t time.Time, zone *time.Location) time.Time {
	local := t.In(zone)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, zone)
}
