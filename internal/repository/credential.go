// Package repository defines the credential store implemented by concrete backends.
package repository

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/and161185/wanikani-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
)

// DefaultDomain scopes credentials to the production API host.
const DefaultDomain = "api.wanikani.com"

// CredentialStore holds at most one credential for its domain.
type CredentialStore interface {
	// Load returns the stored credential or errs.ErrNoCredential.
	Load(ctx context.Context) (model.Credential, error)
	// Store inserts or replaces the credential.
	Store(ctx context.Context, c model.Credential) error
	// Reset deletes the credential; deleting nothing is not an error.
	Reset(ctx context.Context) error
}

// Sealer encrypts secrets bound to a domain and kind; *clientcrypto.Vault implements it.
type Sealer interface {
	Seal(domain, kind string, plaintext []byte) ([]byte, error)
	Open(domain, kind string, blob []byte) ([]byte, error)
}

// Record is the at-rest form of a credential.
type Record struct {
	Kind    string
	Account string
	Secret  []byte // sealed
}

// SealCredential validates c and seals its secret.
func SealCredential(s Sealer, domain string, c model.Credential) (Record, error) {
	if err := c.Validate(); err != nil {
		return Record{}, err
	}
	blob, err := s.Seal(domain, string(c.Kind), []byte(c.Secret))
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: string(c.Kind), Account: c.Account, Secret: blob}, nil
}

// OpenRecord reverses SealCredential. Records that do not authenticate or decode
// to a valid credential yield errs.ErrUnexpectedCredentialData.
func OpenRecord(s Sealer, domain string, r Record) (model.Credential, error) {
	pt, err := s.Open(domain, r.Kind, r.Secret)
	if err != nil {
		if errors.Is(err, clientcrypto.ErrOpen) {
			return model.Credential{}, errs.ErrUnexpectedCredentialData
		}
		return model.Credential{}, err
	}
	if !utf8.Valid(pt) {
		return model.Credential{}, errs.ErrUnexpectedCredentialData
	}
	c := model.Credential{Kind: model.CredentialKind(r.Kind), Account: r.Account, Secret: string(pt)}
	if err := c.Validate(); err != nil {
		return model.Credential{}, err
	}
	return c, nil
}
