package envelope

import (
	"fmt"
	"time"
)

// RuleType discriminates the closed set of expiry rules. Anything outside
// this set is rejected at validation time.
type RuleType string

const (
	// RuleTime expires the message a fixed duration after creation,
	// whether or not it was ever viewed.
	RuleTime RuleType = "time"
	// RuleViewOnce expires the message the moment its reveal completes.
	RuleViewOnce RuleType = "view_once"
	// RulePlaybackOnce expires a voice or video message when playback
	// completes. Not legal for text.
	RulePlaybackOnce RuleType = "playback_once"
	// RuleReadOnce expires a text message when it has been read.
	RuleReadOnce RuleType = "read_once"
	// RuleDaily expires the message at the first local midnight after
	// creation.
	RuleDaily RuleType = "daily"
)

// ExpiryRule is the disappearance policy attached to an envelope at send
// time. It is immutable once attached; there is no renegotiation path.
type ExpiryRule struct {
	Type            RuleType `json:"type"`
	DurationSeconds int64    `json:"durationSeconds,omitempty"`
}

// Timed builds a duration-based rule.
func Timed(d time.Duration) ExpiryRule {
	return ExpiryRule{Type: RuleTime, DurationSeconds: int64(d / time.Second)}
}

// ViewOnce builds a view-once rule.
func ViewOnce() ExpiryRule { return ExpiryRule{Type: RuleViewOnce} }

// PlaybackOnce builds a playback-once rule.
func PlaybackOnce() ExpiryRule { return ExpiryRule{Type: RulePlaybackOnce} }

// ReadOnce builds a read-once rule.
func ReadOnce() ExpiryRule { return ExpiryRule{Type: RuleReadOnce} }

// Daily builds a next-midnight rule.
func Daily() ExpiryRule { return ExpiryRule{Type: RuleDaily} }

// Duration returns the configured lifetime of a RuleTime rule.
func (r ExpiryRule) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// ConsumptionBased reports whether the rule fires on a consumption event
// rather than on wall-clock time.
func (r ExpiryRule) ConsumptionBased() bool {
	switch r.Type {
	case RuleViewOnce, RulePlaybackOnce, RuleReadOnce:
		return true
	}
	return false
}

// Validate checks that the rule is a member of the closed set and that it is
// a legal pairing with the given message kind.
func (r ExpiryRule) Validate(kind Kind) error {
	switch r.Type {
	case RuleTime:
		if r.DurationSeconds < 0 {
			return fmt.Errorf("%w: negative duration", ErrMalformedEnvelope)
		}
	case RuleViewOnce, RuleDaily:
		// Legal for every kind.
	case RulePlaybackOnce:
		if kind != KindVoice && kind != KindVideo {
			return fmt.Errorf("%w: playback_once requires voice or video, got %s", ErrInvalidExpiryForKind, kind)
		}
	case RuleReadOnce:
		if kind != KindText {
			return fmt.Errorf("%w: read_once requires text, got %s", ErrInvalidExpiryForKind, kind)
		}
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrMalformedEnvelope, r.Type)
	}
	return nil
}
