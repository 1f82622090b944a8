package device

import "errors"

var (
	// ErrKeyStoreUnavailable means the device's secret key could neither be
	// loaded nor created. Nothing else is attempted on this path; sending
	// without a stable identity would orphan the recipient's replies.
	ErrKeyStoreUnavailable = errors.New("device: key store unavailable")

	// ErrRecipientKeyMissing is the definitive answer that the recipient has
	// no published key. It is not retryable and is distinct from transport
	// failures.
	ErrRecipientKeyMissing = errors.New("device: recipient key missing")

	// ErrNetworkTimeout classifies transport-level timeouts. Callers may
	// retry; the operation's outcome is unknown.
	ErrNetworkTimeout = errors.New("device: network timeout")

	// ErrContentGone means the message's media ciphertext was removed from
	// blob storage before the message was consumed. The envelope is retired
	// when this surfaces; there is no recovery path.
	ErrContentGone = errors.New("device: content gone")
)
