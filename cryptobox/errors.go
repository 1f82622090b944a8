package cryptobox

import "errors"

var (
	// ErrMalformedInput reports a key or nonce of the wrong width. It is
	// returned before any cryptographic operation is attempted.
	ErrMalformedInput = errors.New("cryptobox: malformed input")

	// ErrDecryptionFailed is the single error surfaced for every
	// authentication failure: a bad tag, a truncated ciphertext, or a key
	// that does not match. Callers cannot distinguish the causes.
	ErrDecryptionFailed = errors.New("cryptobox: decryption failed")
)
