// Package vault stores broker credentials encrypted at rest. Secrets are
// sealed with AES-GCM under a key derived from a passphrase via PBKDF2;
// while the vault is locked no secret is readable regardless of what the
// file contains.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 100_000
)

// ErrLocked is returned by mutating operations while the vault is locked.
var ErrLocked = errors.New("vault: locked")

// Vault is an encrypted key-value store for service credentials.
type Vault struct {
	path string
	log  *slog.Logger

	mu   sync.Mutex
	key  []byte // nil while locked
	salt []byte
}

// New creates a Vault backed by the file at path. The vault starts locked.
func New(path string) *Vault {
	return &Vault{
		path: path,
		log:  slog.Default().With("component", "vault"),
	}
}

// Unlock derives the encryption key from the passphrase. If the vault file
// already exists, the derived key must decrypt it; a wrong passphrase fails
// and the vault stays locked.
func (v *Vault) Unlock(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt, err := v.loadOrCreateSalt()
	if err != nil {
		return fmt.Errorf("reading vault salt: %w", err)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)

	if _, err := os.Stat(v.path); err == nil {
		if _, err := decryptFile(v.path, key); err != nil {
			return fmt.Errorf("unlocking vault: %w", err)
		}
	}

	v.salt = salt
	v.key = key
	v.log.Info("vault unlocked")
	return nil
}

// Lock discards the in-memory key. Stored data is untouched.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = nil
	v.log.Info("vault locked")
}

// Unlocked reports whether secrets are currently readable.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key != nil
}

// StoreKey saves the secret for a service, replacing any previous value.
func (v *Vault) StoreKey(service, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	creds, err := v.readLocked()
	if err != nil {
		return err
	}
	creds[service] = secret
	return v.writeLocked(creds)
}

// GetKey returns the secret for a service. While the vault is locked it
// returns nothing, regardless of what is stored.
func (v *Vault) GetKey(service string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return "", false
	}
	creds, err := v.readLocked()
	if err != nil {
		v.log.Error("reading vault", "err", err)
		return "", false
	}
	secret, ok := creds[service]
	return secret, ok
}

// RemoveKey deletes the secret for a service. Removing an absent service
// is a no-op.
func (v *Vault) RemoveKey(service string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	creds, err := v.readLocked()
	if err != nil {
		return err
	}
	if _, ok := creds[service]; !ok {
		return nil
	}
	delete(creds, service)
	return v.writeLocked(creds)
}

// Services lists the services with stored secrets, sorted.
func (v *Vault) Services() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	creds, err := v.readLocked()
	if err != nil {
		return nil, err
	}
	services := make([]string, 0, len(creds))
	for s := range creds {
		services = append(services, s)
	}
	sort.Strings(services)
	return services, nil
}

// ---------------------------------------------------------------------------
// File encryption
// ---------------------------------------------------------------------------

func (v *Vault) readLocked() (map[string]string, error) {
	if _, err := os.Stat(v.path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	plaintext, err := decryptFile(v.path, v.key)
	if err != nil {
		return nil, fmt.Errorf("decrypting vault: %w", err)
	}
	creds := map[string]string{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("parsing vault contents: %w", err)
	}
	return creds, nil
}

func (v *Vault) writeLocked(creds map[string]string) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	ciphertext, err := encrypt(plaintext, v.key)
	if err != nil {
		return fmt.Errorf("encrypting vault: %w", err)
	}
	return os.WriteFile(v.path, ciphertext, 0o600)
}

func (v *Vault) loadOrCreateSalt() ([]byte, error) {
	if v.salt != nil {
		return v.salt, nil
	}
	saltPath := v.path + ".salt"
	if salt, err := os.ReadFile(saltPath); err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s has %d bytes, want %d", saltPath, len(salt), saltSize)
		}
		return salt, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(saltPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// encrypt seals plaintext with AES-GCM, prepending the random nonce.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptFile(path string, key []byte) ([]byte, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("vault file truncated")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
