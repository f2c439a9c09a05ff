// Package credentials stores the backend API key at rest, encrypted
// with AES-256-GCM under a key derived from the machine identity. A
// till is shared hardware; the key must not sit in a plaintext config
// file next to the database.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidCiphertext is returned when decryption or authentication
// fails.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// ErrNotFound is returned when no credential is stored under a name.
var ErrNotFound = errors.New("credential not found")

// Vault is an encrypted file-per-credential store under the data
// directory.
type Vault struct {
	dir       string
	machineID string
}

// NewVault creates a Vault rooted at dataDir.
func NewVault(dataDir string) *Vault {
	return &Vault{
		dir:       filepath.Join(dataDir, "secure"),
		machineID: machineIdentifier(),
	}
}

// Store encrypts and persists a credential.
func (v *Vault) Store(name, value string) error {
	if err := os.MkdirAll(v.dir, 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	encrypted, err := encrypt([]byte(value), v.key())
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	if err := os.WriteFile(v.path(name), []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// Load decrypts a stored credential. A missing file yields ErrNotFound.
func (v *Vault) Load(name string) (string, error) {
	data, err := os.ReadFile(v.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}

	value, err := decrypt(string(data), v.key())
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(value), nil
}

// Delete removes a stored credential. Deleting an absent credential is
// a no-op.
func (v *Vault) Delete(name string) error {
	if err := os.Remove(v.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

func (v *Vault) path(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	return filepath.Join(v.dir, safe+".cred")
}

func (v *Vault) key() []byte {
	hash := sha256.Sum256([]byte("tillsync:" + v.machineID))
	return hash[:]
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended, base64
// encoded for file storage.
func encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt reverses encrypt, authenticating the payload.
func decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// machineIdentifier binds the vault key to this machine: the systemd
// machine-id when present, the hostname otherwise.
func machineIdentifier() string {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		return strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		return strings.TrimSpace(string(data))
	}
	hostname, _ := os.Hostname()
	return hostname
}
