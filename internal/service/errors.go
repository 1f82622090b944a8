package service

import "errors"

var (
	ErrInvalidRequest   = errors.New("service: invalid request")
	ErrNotParticipant   = errors.New("service: not a participant of this envelope")
	ErrEnvelopeNotFound = errors.New("service: envelope not found")
	ErrKeyNotFound      = errors.New("service: no published key for user")
)
