// Package model defines domain entities shared by the api, cache, login and service layers.
package model

import (
	"unicode/utf8"

	"github.com/and161185/wanikani-keeper/internal/errs"
)

// CredentialKind tells what the secret of a Credential is.
type CredentialKind string

const (
	// CredentialToken is a personal access token for the JSON API.
	CredentialToken CredentialKind = "token"
	// CredentialPassword is a username/password pair for the cookie login.
	CredentialPassword CredentialKind = "password"
)

// Credential is the single stored secret of a credential domain.
type Credential struct {
	Kind    CredentialKind
	Account string // username; empty for tokens
	Secret  string // token or password
}

// TokenCredential builds a token credential.
func TokenCredential(token string) Credential {
	return Credential{Kind: CredentialToken, Secret: token}
}

// PasswordCredential builds a username/password credential.
func PasswordCredential(username, password string) Credential {
	return Credential{Kind: CredentialPassword, Account: username, Secret: password}
}

// Validate reports errs.ErrUnexpectedCredentialData for malformed records.
func (c Credential) Validate() error {
	switch c.Kind {
	case CredentialToken:
	case CredentialPassword:
		if c.Account == "" || !utf8.ValidString(c.Account) {
			return errs.ErrUnexpectedCredentialData
		}
	default:
		return errs.ErrUnexpectedCredentialData
	}
	if c.Secret == "" || !utf8.ValidString(c.Secret) {
		return errs.ErrUnexpectedCredentialData
	}
	return nil
}

// Permissions are the scopes requested for a new personal access token.
type Permissions struct {
	StartAssignments     bool
	CreateReviews        bool
	CreateStudyMaterials bool
	UpdateStudyMaterials bool
	UpdateUser           bool
}

// AccessTokenRequest carries a logged-in web session forward to token creation.
type AccessTokenRequest struct {
	Cookie       string
	EmailAddress string
	Permissions  Permissions
}

// WebSession is the result of a completed cookie login.
type WebSession struct {
	Cookie       string
	EmailAddress string
	AccessToken  string
}

// AuthKind is the resolved authentication status of the process.
type AuthKind string

const (
	AuthUnknown              AuthKind = "unknown"
	AuthNoSession            AuthKind = "no_session"
	AuthNeedsAdditionalSetup AuthKind = "needs_additional_setup"
	AuthAuthenticated        AuthKind = "authenticated"
)

// AuthState is the current authentication state. User is set when
// Authenticated; Pending carries the web session when NeedsAdditionalSetup.
type AuthState struct {
	Kind    AuthKind
	User    User
	Pending AccessTokenRequest
}
