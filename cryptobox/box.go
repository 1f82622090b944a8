// Package cryptobox implements the VanishVoice message protection protocol.
//
// Every message is sealed under a fresh X25519 key pair and a fresh random
// 24-byte nonce using NaCl box (curve25519 + XSalsa20-Poly1305). The
// ephemeral secret key exists only for the duration of one Encrypt call, so
// compromise of a device after the fact yields nothing about messages it
// already sent: each message is its own one-shot key exchange. There is no
// session state to negotiate, persist, or leak.
package cryptobox

import (
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the width of every public and secret key, in bytes.
	KeySize = 32
	// NonceSize is the width of the per-message nonce, in bytes.
	NonceSize = 24
	// Overhead is the number of bytes Encrypt adds to the plaintext.
	Overhead = box.Overhead
)

// KeyPair holds an X25519 key pair. The long-term device pair and the
// per-message ephemeral pairs share this shape.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateKeyPair creates a fresh X25519 key pair from the package's
// randomness source.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randomSource())
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: *pub, Secret: *priv}, nil
}

// Encrypt seals plaintext to the recipient's long-term public key. A fresh
// ephemeral key pair and a fresh random nonce are generated per call; the
// ephemeral secret is zeroed before Encrypt returns and is never reused.
// The nonce is random rather than a counter because the ephemeral key that
// would anchor a counter is discarded immediately.
func Encrypt(plaintext, recipientPublic []byte) (ciphertext, nonce, ephemeralPublic []byte, err error) {
	if len(recipientPublic) != KeySize {
		return nil, nil, nil, ErrMalformedInput
	}
	var rpk [KeySize]byte
	copy(rpk[:], recipientPublic)

	ephPub, ephPriv, err := box.GenerateKey(randomSource())
	if err != nil {
		return nil, nil, nil, err
	}
	defer zero(ephPriv[:])

	var n [NonceSize]byte
	if err := readRandom(n[:]); err != nil {
		return nil, nil, nil, err
	}

	ciphertext = box.Seal(nil, plaintext, &n, &rpk, ephPriv)
	return ciphertext, n[:], ephPub[:], nil
}

// Decrypt opens a ciphertext produced by Encrypt using the recipient's
// long-term secret key and the sender-supplied ephemeral public key. It
// fails closed: any authentication failure returns ErrDecryptionFailed and
// no partial output.
func Decrypt(ciphertext, nonce, ephemeralPublic, recipientSecret []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(ephemeralPublic) != KeySize || len(recipientSecret) != KeySize {
		return nil, ErrMalformedInput
	}
	if len(ciphertext) < Overhead {
		return nil, ErrDecryptionFailed
	}
	var (
		n   [NonceSize]byte
		epk [KeySize]byte
		rsk [KeySize]byte
	)
	copy(n[:], nonce)
	copy(epk[:], ephemeralPublic)
	copy(rsk[:], recipientSecret)
	defer zero(rsk[:])

	plaintext, ok := box.Open(nil, ciphertext, &n, &epk, &rsk)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
