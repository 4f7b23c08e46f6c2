// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across api/repository/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the API rejected the credentials (401/403).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the API kept answering 429 after the allowed replays.
	ErrRateLimited = errors.New("rate limited")
)

// Credential storage.
var (
	// ErrNoCredential indicates no credential is stored for the domain.
	ErrNoCredential = errors.New("no credential")

	// ErrUnexpectedCredentialData indicates a stored record is malformed
	// (missing account or secret, undecryptable or not UTF-8).
	ErrUnexpectedCredentialData = errors.New("unexpected credential data")
)

// Cookie login bootstrap. All of them are fatal to a login attempt.
var (
	ErrCsrfTokenNotFound   = errors.New("csrf token not found")
	ErrEmailNotFound       = errors.New("email address not found")
	ErrAccessTokenNotFound = errors.New("access token not found")
	ErrBadCredentials      = errors.New("unknown user credentials")
	ErrSessionCookieNotSet = errors.New("session cookie not set")
)

// Token login.
var (
	// ErrInvalidToken indicates WaniKani does not recognise the access token.
	ErrInvalidToken = errors.New("unknown user access token")

	// ErrServiceUnavailable indicates WaniKani answered 500/503.
	ErrServiceUnavailable = errors.New("wanikani is currently unavailable")

	// ErrNeedsAccessToken indicates the web login succeeded but no access
	// token exists yet; CreateAccessToken finishes the login.
	ErrNeedsAccessToken = errors.New("access token must be created")
)

// StorageError is an unhandled failure of the underlying secure storage,
// carrying the backend's native status (errno, SQLSTATE, redis reply).
type StorageError struct {
	Backend string
	Status  string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage: unhandled error (status %s): %v", e.Backend, e.Status, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
