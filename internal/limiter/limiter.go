// Package limiter classifies API failures and implements the rate-limit wait-then-retry policy.
package limiter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/transport"
)

// Category tells presentation layers what to do with an error without re-reading status codes.
type Category int

const (
	// Passive errors mean "nothing changed" (e.g. 304) and need no reaction.
	Passive Category = iota
	// RequiresReauthentication errors invalidate the stored credential (401/403).
	RequiresReauthentication
	// Retryable errors may succeed if the caller tries again later.
	Retryable
	// NonRetryable errors will fail the same way again (422, schema mismatch).
	NonRetryable
)

func (c Category) String() string {
	switch c {
	case Passive:
		return "passive"
	case RequiresReauthentication:
		return "requires_reauthentication"
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	}
	return "unknown"
}

// StatusCoder is implemented by protocol errors carrying an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Resetter is implemented by errors that know when the rate-limit window resets.
type Resetter interface {
	ResetAt() (time.Time, bool)
}

// DecodeFailure marks response decoding errors.
type DecodeFailure interface {
	DecodeFailure()
}

// ClassifiedError tags an error with its Category.
type ClassifiedError struct {
	Category Category
	Err      error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Tag wraps err with its Category unless it is already tagged.
func Tag(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	return &ClassifiedError{Category: Classify(err), Err: err}
}

// Classify maps an error to a Category. A nil error is Passive.
func Classify(err error) Category {
	if err == nil {
		return Passive
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.HTTPStatus())
	}
	var df DecodeFailure
	if errors.As(err, &df) {
		return NonRetryable
	}
	if errors.Is(err, errs.ErrRateLimited) {
		return Retryable
	}
	var te *transport.Error
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	return NonRetryable
}

// ClassifyStatus maps an HTTP status to a Category.
func ClassifyStatus(code int) Category {
	switch code {
	case http.StatusOK, http.StatusNotModified:
		return Passive
	case http.StatusUnauthorized, http.StatusForbidden:
		return RequiresReauthentication
	case http.StatusNotFound, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusServiceUnavailable:
		return Retryable
	case http.StatusUnprocessableEntity:
		return NonRetryable
	}
	if code >= 500 {
		return Retryable
	}
	return NonRetryable
}

// IsPassive reports whether err needs no reaction.
func IsPassive(err error) bool { return err != nil && Classify(err) == Passive }

// RequiresReauth reports whether err must invalidate the session.
func RequiresReauth(err error) bool { return err != nil && Classify(err) == RequiresReauthentication }
