// Package transport wraps an HTTP client: it issues one request and returns raw bytes and status.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	defaultUserAgent = "wanikani-keeper"
	defaultMaxBody   = 8 << 20
)

// ErrBodyTooLarge is wrapped in an Error when a response exceeds the body limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Doer is implemented by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is a fully-formed outgoing request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result is the raw outcome of an exchange that reached the server.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   *url.URL // after redirects
}

// Error is a network-level failure (unreachable, timeout, truncated body).
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Transport performs requests through a Doer.
type Transport struct {
	client    Doer
	log       *zap.Logger
	userAgent string
	maxBody   int64
}

// Option configures a Transport.
type Option func(*Transport)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option { return func(t *Transport) { t.userAgent = ua } }

// WithMaxBody caps how many response bytes are read. Larger bodies fail with ErrBodyTooLarge.
func WithMaxBody(n int64) Option { return func(t *Transport) { t.maxBody = n } }

// New constructs a Transport. A nil logger disables logging.
func New(client Doer, log *zap.Logger, opts ...Option) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{client: client, log: log, userAgent: defaultUserAgent, maxBody: defaultMaxBody}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Do sends req and reads the whole response body. Non-2xx statuses are not errors here.
func (t *Transport) Do(ctx context.Context, req Request) (*Result, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Op: "build", URL: req.URL, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if hr.Header.Get("User-Agent") == "" {
		hr.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.client.Do(hr)
	if err != nil {
		t.log.Warn("http",
			zap.String("method", req.Method),
			zap.String("host", hr.URL.Host),
			zap.String("path", hr.URL.Path),
			zap.Duration("dur", time.Since(start)),
			zap.Error(err),
		)
		return nil, &Error{Op: "send", URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, &Error{Op: "read", URL: req.URL, Err: err}
	}
	if int64(len(data)) > t.maxBody {
		t.log.Warn("http body over limit",
			zap.String("method", req.Method),
			zap.String("host", hr.URL.Host),
			zap.String("path", hr.URL.Path),
			zap.Int64("limit", t.maxBody),
		)
		return nil, &Error{Op: "read", URL: req.URL, Err: ErrBodyTooLarge}
	}

	final := hr.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	// metadata only, never payloads
	t.log.Debug("http",
		zap.String("method", req.Method),
		zap.String("host", hr.URL.Host),
		zap.String("path", hr.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, FinalURL: final}, nil
}
