package device

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/micksolo/VanishVoice-sub006/cryptobox"
)

// SecretStore persists the device's long-term keypair. Load reports found
// false when no keypair has been saved yet; any other failure is a real
// error and must not be masked as absence.
type SecretStore interface {
	Load() (cryptobox.KeyPair, bool, error)
	Save(cryptobox.KeyPair) error
}

// GenerateOrLoad returns the stored keypair, creating and persisting one on
// first use. Calling it repeatedly yields the same keypair; a store failure
// surfaces as ErrKeyStoreUnavailable and never falls back to a throwaway
// in-memory key.
func GenerateOrLoad(store SecretStore) (cryptobox.KeyPair, error) {
	kp, found, err := store.Load()
	if err != nil {
		return cryptobox.KeyPair{}, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	if found {
		return kp, nil
	}
	kp, err = cryptobox.GenerateKeyPair()
	if err != nil {
		return cryptobox.KeyPair{}, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	if err := store.Save(kp); err != nil {
		return cryptobox.KeyPair{}, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	return kp, nil
}

type storedKeyPair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// FileSecretStore keeps the keypair in a mode-0600 JSON file.
type FileSecretStore struct {
	Path string
}

func (f *FileSecretStore) Load() (cryptobox.KeyPair, bool, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return cryptobox.KeyPair{}, false, nil
	}
	if err != nil {
		return cryptobox.KeyPair{}, false, err
	}
	var stored storedKeyPair
	if err := json.Unmarshal(raw, &stored); err != nil {
		return cryptobox.KeyPair{}, false, fmt.Errorf("corrupt key file %s: %w", f.Path, err)
	}
	pub, err := base64.StdEncoding.DecodeString(stored.PublicKey)
	if err != nil {
		return cryptobox.KeyPair{}, false, fmt.Errorf("corrupt key file %s: %w", f.Path, err)
	}
	sec, err := base64.StdEncoding.DecodeString(stored.SecretKey)
	if err != nil {
		return cryptobox.KeyPair{}, false, fmt.Errorf("corrupt key file %s: %w", f.Path, err)
	}
	if len(pub) != cryptobox.KeySize || len(sec) != cryptobox.KeySize {
		return cryptobox.KeyPair{}, false, fmt.Errorf("corrupt key file %s: bad key width", f.Path)
	}
	var kp cryptobox.KeyPair
	copy(kp.Public[:], pub)
	copy(kp.Secret[:], sec)
	return kp, true, nil
}

func (f *FileSecretStore) Save(kp cryptobox.KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(storedKeyPair{
		PublicKey: base64.StdEncoding.EncodeToString(kp.Public[:]),
		SecretKey: base64.StdEncoding.EncodeToString(kp.Secret[:]),
	})
	if err != nil {
		return err
	}
	// Write-then-rename so a crash never leaves a half-written key file.
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// MemorySecretStore holds the keypair in memory. Used in tests and by the
// CLI's throwaway identities.
type MemorySecretStore struct {
	mu    sync.Mutex
	kp    cryptobox.KeyPair
	saved bool

	// FailWith, when set, makes every call fail. Lets tests exercise the
	// unavailable path.
	FailWith error
}

func (m *MemorySecretStore) Load() (cryptobox.KeyPair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return cryptobox.KeyPair{}, false, m.FailWith
	}
	return m.kp, m.saved, nil
}

func (m *MemorySecretStore) Save(kp cryptobox.KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.kp = kp
	m.saved = true
	return nil
}
