package envelope

import "errors"

var (
	// ErrInvalidExpiryForKind reports an expiry rule that is not legal for
	// the message kind, e.g. PlaybackOnce on a text message. Illegal
	// pairings fail at construction and are never coerced.
	ErrInvalidExpiryForKind = errors.New("envelope: expiry rule not valid for message kind")

	// ErrMalformedEnvelope reports missing or mis-sized envelope fields.
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
)
