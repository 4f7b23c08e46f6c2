package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/wanikani-keeper/internal/errs"
)

// RateLimit is the server's view of the request budget, from response headers.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

func parseRateLimit(h http.Header, now time.Time) *RateLimit {
	var rl RateLimit
	found := false
	if v, err := strconv.Atoi(h.Get("RateLimit-Limit")); err == nil {
		rl.Limit, found = v, true
	}
	if v, err := strconv.Atoi(h.Get("RateLimit-Remaining")); err == nil {
		rl.Remaining, found = v, true
	}
	if v, err := strconv.ParseInt(h.Get("RateLimit-Reset"), 10, 64); err == nil {
		rl.Reset, found = time.Unix(v, 0), true
	} else if v, err := strconv.Atoi(h.Get("Retry-After")); err == nil {
		rl.Reset, found = now.Add(time.Duration(v)*time.Second), true
	}
	if !found {
		return nil
	}
	return &rl
}

// StatusError is a non-2xx answer of the JSON API.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Resource   string
	Message    string
	RateLimit  *RateLimit
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("wanikani: %s %s: %d %s", e.Method, e.Resource, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// HTTPStatus implements limiter.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// ResetAt implements limiter.Resetter.
func (e *StatusError) ResetAt() (time.Time, bool) {
	if e.RateLimit == nil || e.RateLimit.Reset.IsZero() {
		return time.Time{}, false
	}
	return e.RateLimit.Reset, true
}

// Is maps statuses onto the shared sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case errs.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case errs.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

func newStatusError(name, method, rawURL string, code int, h http.Header, body []byte, now time.Time) *StatusError {
	se := &StatusError{
		StatusCode: code,
		Method:     method,
		URL:        rawURL,
		Resource:   name,
		RateLimit:  parseRateLimit(h, now),
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		se.Message = payload.Error
	}
	return se
}

// DecodingError means the response did not match the declared content type.
type DecodingError struct {
	Resource string
	Shape    string // summary of the payload's top-level structure
	Err      error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("wanikani: decode %s (payload %s): %v", e.Resource, e.Shape, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// DecodeFailure implements limiter.DecodeFailure.
func (e *DecodingError) DecodeFailure() {}

// payloadShape describes a JSON document without its values, e.g. "object{data,object,pages}".
func payloadShape(b []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "object{" + strings.Join(keys, ",") + "}"
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Sprintf("invalid json (%d bytes)", len(b))
	}
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	}
	return "null"
}
