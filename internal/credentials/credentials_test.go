package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	vault := NewVault(t.TempDir())

	if err := vault.Store("api_key", "sk-live-0123456789"); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	value, err := vault.Load("api_key")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if value != "sk-live-0123456789" {
		t.Errorf("Load() = %q, want the stored key", value)
	}
}

func TestLoad_missing(t *testing.T) {
	vault := NewVault(t.TempDir())

	_, err := vault.Load("api_key")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestStore_notPlaintextOnDisk(t *testing.T) {
	dir := t.TempDir()
	vault := NewVault(dir)

	secret := "sk-live-very-secret-key"
	if err := vault.Store("api_key", secret); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "secure", "api_key.cred"))
	if err != nil {
		t.Fatalf("Failed to read credential file: %v", err)
	}
	if strings.Contains(string(data), secret) {
		t.Error("credential stored in plaintext")
	}

	info, err := os.Stat(filepath.Join(dir, "secure", "api_key.cred"))
	if err != nil {
		t.Fatalf("Failed to stat credential file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("credential file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestStore_overwrite(t *testing.T) {
	vault := NewVault(t.TempDir())

	vault.Store("api_key", "old-key")
	if err := vault.Store("api_key", "new-key"); err != nil {
		t.Fatalf("Store() overwrite failed: %v", err)
	}

	value, err := vault.Load("api_key")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if value != "new-key" {
		t.Errorf("Load() = %q, want the replacement key", value)
	}
}

func TestDelete(t *testing.T) {
	vault := NewVault(t.TempDir())

	vault.Store("api_key", "sk-live-0123456789")
	if err := vault.Delete("api_key"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := vault.Load("api_key"); !errors.Is(err, ErrNotFound) {
		t.Error("credential still readable after delete")
	}

	// Deleting again is a no-op.
	if err := vault.Delete("api_key"); err != nil {
		t.Errorf("Delete() of absent credential failed: %v", err)
	}
}

func TestLoad_tamperedFileRejected(t *testing.T) {
	dir := t.TempDir()
	vault := NewVault(dir)

	vault.Store("api_key", "sk-live-0123456789")

	path := filepath.Join(dir, "secure", "api_key.cred")
	if err := os.WriteFile(path, []byte("bm90IGEgcmVhbCBjaXBoZXJ0ZXh0"), 0600); err != nil {
		t.Fatalf("Failed to tamper with file: %v", err)
	}

	if _, err := vault.Load("api_key"); err == nil {
		t.Error("tampered credential decrypted without error")
	}
}

func TestPathTraversalNamesSanitized(t *testing.T) {
	dir := t.TempDir()
	vault := NewVault(dir)

	if err := vault.Store("../escape", "value"); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "secure"))
	if err != nil {
		t.Fatalf("Failed to read secure dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("secure dir holds %d entries, want 1", len(entries))
	}
	if strings.Contains(entries[0].Name(), "..") {
		t.Errorf("unsanitized credential filename: %s", entries[0].Name())
	}
}
