// Package clientcrypto seals credential secrets at rest with XChaCha20-Poly1305.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	keyFile  = "vault.key"
	saltFile = "vault.salt"
)

// ErrOpen means a sealed blob could not be authenticated with this vault's key.
var ErrOpen = errors.New("clientcrypto: cannot open sealed data")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveDomainKey derives a per-domain key via HKDF-SHA256 using domain as info.
func DeriveDomainKey(master []byte, domain string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(domain))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Vault seals and opens secrets bound to a credential domain.
type Vault struct {
	master []byte
}

// NewVault wraps an existing master key.
func NewVault(master []byte) (*Vault, error) {
	if len(master) != KeyLen {
		return nil, fmt.Errorf("clientcrypto: master key must be %d bytes", KeyLen)
	}
	return &Vault{master: append([]byte(nil), master...)}, nil
}

// OpenVault returns the vault stored under dir. With a passphrase the master key
// is Argon2id(passphrase, salt) and only the salt is persisted; without one a
// random key is persisted. Files are created 0600 on first use.
func OpenVault(dir, passphrase string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("clientcrypto: mkdir: %w", err)
	}
	if passphrase != "" {
		salt, err := loadOrCreate(filepath.Join(dir, saltFile), SaltLen)
		if err != nil {
			return nil, err
		}
		return NewVault(DeriveKEK([]byte(passphrase), salt))
	}
	key, err := loadOrCreate(filepath.Join(dir, keyFile), KeyLen)
	if err != nil {
		return nil, err
	}
	return NewVault(key)
}

func loadOrCreate(path string, n int) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != n {
			return nil, fmt.Errorf("clientcrypto: %s: want %d bytes, got %d", filepath.Base(path), n, len(b))
		}
		return b, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clientcrypto: read %s: %w", filepath.Base(path), err)
	}
	b, err = Rand(n)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		// lost a race with another process
		return loadOrCreate(path, n)
	}
	if err != nil {
		return nil, fmt.Errorf("clientcrypto: create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("clientcrypto: write %s: %w", filepath.Base(path), err)
	}
	return b, f.Close()
}

// Seal encrypts plaintext with AAD = domain||0x00||kind and a random nonce.
func (v *Vault) Seal(domain, kind string, plaintext []byte) ([]byte, error) {
	key, err := DeriveDomainKey(v.master, domain)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad(domain, kind))...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same domain and kind.
func (v *Vault) Open(domain, kind string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrOpen
	}
	key, err := DeriveDomainKey(v.master, domain)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad(domain, kind))
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

func aad(domain, kind string) []byte {
	b := make([]byte, 0, len(domain)+1+len(kind))
	b = append(b, domain...)
	b = append(b, 0)
	return append(b, kind...)
}
