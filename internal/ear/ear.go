// Package ear seals values that the client keeps at rest.
package ear

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of an EAR key in bytes.
const KeySize = chacha20poly1305.KeySize

const saltSize = 16

// ErrCiphertextTooShort is returned when a sealed value cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ear: ciphertext too short")

// Key is a symmetric XChaCha20-Poly1305 key.
type Key [KeySize]byte

// NewKey returns a fresh random key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("ear: generate key: %w", err)
	}
	return k, nil
}

// KeyFromBytes copies b into a Key. b must be exactly KeySize bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("ear: key is %d bytes, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Seal encrypts plaintext bound to ad. The random nonce is prepended.
func (k Key) Seal(plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ear: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func (k Key) Open(sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, ad)
}

// LoadKey reads an existing raw key file. The error wraps the fs error, so
// callers can tell a missing file from an unreadable one.
func LoadKey(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("ear: read key: %w", err)
	}
	return KeyFromBytes(data)
}

// LoadOrCreateKey reads a raw key file, creating it with a random key on first use.
func LoadOrCreateKey(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return KeyFromBytes(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Key{}, fmt.Errorf("ear: read key: %w", err)
	}

	k, err := NewKey()
	if err != nil {
		return Key{}, err
	}
	created, err := createOnce(path, k[:], 0600)
	if err != nil {
		return Key{}, fmt.Errorf("ear: create key: %w", err)
	}
	if !created {
		// Lost a race with another process; use its key.
		return LoadKey(path)
	}
	return k, nil
}

// createOnce writes data to a temporary file next to path and links it into
// place, so path is either absent or complete. Reports false if path already
// existed.
func createOnce(path string, data []byte, perm os.FileMode) (bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), perm)
	}
	if err != nil {
		return false, err
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeriveKey stretches passphrase with argon2id. The salt is persisted at
// saltPath and created on first use.
func DeriveKey(passphrase, saltPath string) (Key, error) {
	var salt [saltSize]byte
	f, err := os.Open(saltPath)
	switch {
	case err == nil:
		_, rerr := io.ReadFull(f, salt[:])
		_ = f.Close()
		if rerr != nil {
			return Key{}, fmt.Errorf("ear: read salt: %w", rerr)
		}
	case errors.Is(err, os.ErrNotExist):
		if _, err := rand.Read(salt[:]); err != nil {
			return Key{}, err
		}
		created, err := createOnce(saltPath, salt[:], 0400)
		if err != nil {
			return Key{}, fmt.Errorf("ear: write salt: %w", err)
		}
		if !created {
			return DeriveKey(passphrase, saltPath)
		}
	default:
		return Key{}, fmt.Errorf("ear: open salt: %w", err)
	}

	var k Key
	copy(k[:], argon2.IDKey([]byte(passphrase), salt[:], 1, 64*1024, 4, KeySize))
	return k, nil
}
