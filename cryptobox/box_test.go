package cryptobox

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	plaintext := []byte("the package leaves at midnight")

	ct, nonce, ephPub, err := Encrypt(plaintext, recipient.Public[:])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce width: got %d want %d", len(nonce), NonceSize)
	}
	if len(ephPub) != KeySize {
		t.Fatalf("ephemeral key width: got %d want %d", len(ephPub), KeySize)
	}
	if len(ct) != len(plaintext)+Overhead {
		t.Fatalf("ciphertext length: got %d want %d", len(ct), len(plaintext)+Overhead)
	}

	got, err := Decrypt(ct, nonce, ephPub, recipient.Secret[:])
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestLargePayloadRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	plaintext := make([]byte, 10000)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}
	ct, nonce, ephPub, err := Encrypt(plaintext, recipient.Public[:])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(ct, nonce, ephPub, recipient.Secret[:])
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("10000-byte payload did not survive the round trip")
	}
}

func TestNonceAndEphemeralFreshness(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	plaintext := []byte("same message twice")

	ct1, nonce1, eph1, err := Encrypt(plaintext, recipient.Public[:])
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	ct2, nonce2, eph2, err := Encrypt(plaintext, recipient.Public[:])
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if bytes.Equal(nonce1, nonce2) {
		t.Fatalf("nonce reused across encryptions")
	}
	if bytes.Equal(eph1, eph2) {
		t.Fatalf("ephemeral key reused across encryptions")
	}
	if bytes.Equal(ct1, ct2) {
		t.Fatalf("identical ciphertext for two encryptions of the same plaintext")
	}
}

func TestTamperRejection(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	plaintext := []byte("integrity matters")
	ct, nonce, ephPub, err := Encrypt(plaintext, recipient.Public[:])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	flipEach := func(name string, buf []byte) {
		for i := range buf {
			for bit := 0; bit < 8; bit++ {
				mutated := append([]byte(nil), buf...)
				mutated[i] ^= 1 << bit

				var (
					c = ct
					n = nonce
					e = ephPub
				)
				switch name {
				case "ciphertext":
					c = mutated
				case "nonce":
					n = mutated
				case "ephemeral":
					e = mutated
				}
				if out, err := Decrypt(c, n, e, recipient.Secret[:]); err == nil {
					t.Fatalf("%s bit flip at byte %d bit %d accepted, output %q", name, i, bit, out)
				}
			}
		}
	}
	flipEach("ciphertext", ct)
	flipEach("nonce", nonce)
	flipEach("ephemeral", ephPub)
}

func TestWrongKeyRejection(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	ct, nonce, ephPub, err := Encrypt([]byte("not for you"), recipient.Public[:])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(ct, nonce, ephPub, other.Secret[:]); err != ErrDecryptionFailed {
		t.Fatalf("wrong key: got %v want ErrDecryptionFailed", err)
	}
}

func TestMalformedWidthsRejectedBeforeCrypto(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	ct, nonce, ephPub, err := Encrypt([]byte("x"), recipient.Public[:])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	cases := []struct {
		name                string
		ct, nonce, eph, key []byte
	}{
		{"short nonce", ct, nonce[:NonceSize-1], ephPub, recipient.Secret[:]},
		{"long nonce", ct, append(nonce, 0), ephPub, recipient.Secret[:]},
		{"short ephemeral", ct, nonce, ephPub[:KeySize-1], recipient.Secret[:]},
		{"short secret", ct, nonce, ephPub, recipient.Secret[:KeySize-1]},
		{"nil nonce", ct, nil, ephPub, recipient.Secret[:]},
	}
	for _, tc := range cases {
		if _, err := Decrypt(tc.ct, tc.nonce, tc.eph, tc.key); err != ErrMalformedInput {
			t.Fatalf("%s: got %v want ErrMalformedInput", tc.name, err)
		}
	}

	if _, _, _, err := Encrypt([]byte("x"), recipient.Public[:KeySize-1]); err != ErrMalformedInput {
		t.Fatalf("encrypt short recipient key: got %v want ErrMalformedInput", err)
	}
}

func TestTruncatedCiphertextFailsUniformly(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	ct, nonce, ephPub, err := Encrypt([]byte("short"), recipient.Public[:])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for _, n := range []int{0, 1, Overhead - 1} {
		if _, err := Decrypt(ct[:n], nonce, ephPub, recipient.Secret[:]); err != ErrDecryptionFailed {
			t.Fatalf("truncated to %d bytes: got %v want ErrDecryptionFailed", n, err)
		}
	}
}

func TestDeterministicRandom(t *testing.T) {
	seed := func() *bytes.Reader {
		buf := make([]byte, 1024)
		for i := range buf {
			buf[i] = byte(i % 251)
		}
		return bytes.NewReader(buf)
	}

	restore := UseDeterministicRandom(seed())
	kp1, err := GenerateKeyPair()
	restore()
	if err != nil {
		t.Fatalf("first keypair: %v", err)
	}

	restore = UseDeterministicRandom(seed())
	kp2, err := GenerateKeyPair()
	restore()
	if err != nil {
		t.Fatalf("second keypair: %v", err)
	}

	if kp1.Public != kp2.Public || kp1.Secret != kp2.Secret {
		t.Fatalf("deterministic source produced differing key pairs")
	}
}
