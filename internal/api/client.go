// Package api is the typed WaniKani v2 JSON API client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/wanikani-keeper/internal/limiter"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/transport"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://api.wanikani.com/v2"
	// DefaultRevision is the API revision this client decodes.
	DefaultRevision = "20170710"
)

// ReauthHandler is called when a request made with the shared token is rejected.
type ReauthHandler func(ctx context.Context, cause error)

// session is the shared, mutable part of a Client.
type session struct {
	mu       sync.RWMutex
	token    string
	onReauth ReauthHandler
}

// Client sends resources to the API. Copies made by WithToken share the
// transport and policy but not the token.
type Client struct {
	tr       *transport.Transport
	policy   *limiter.Policy
	base     *url.URL
	revision string
	pageSize int
	now      func() time.Time
	log      *zap.Logger

	sess     *session
	override *string
}

// Option configures a Client.
type Option func(*Client)

// WithRevision overrides the Wanikani-Revision header.
func WithRevision(rev string) Option { return func(c *Client) { c.revision = rev } }

// WithPageSize sets per_page on collection requests; 0 leaves the server default.
func WithPageSize(n int) Option { return func(c *Client) { c.pageSize = n } }

// WithPolicy replaces the rate-limit policy.
func WithPolicy(p *limiter.Policy) Option { return func(c *Client) { c.policy = p } }

// NewClient builds a Client rooted at baseURL.
func NewClient(baseURL string, tr *transport.Transport, log *zap.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if tr == nil {
		tr = transport.New(nil, log)
	}
	c := &Client{
		tr:       tr,
		base:     base,
		revision: DefaultRevision,
		now:      time.Now,
		log:      log,
		sess:     &session{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy == nil {
		c.policy = limiter.NewPolicy(log)
	}
	return c, nil
}

// SetToken replaces the shared session token.
func (c *Client) SetToken(token string) {
	c.sess.mu.Lock()
	c.sess.token = token
	c.sess.mu.Unlock()
}

// ClearToken forgets the shared session token.
func (c *Client) ClearToken() { c.SetToken("") }

// Token returns the token requests from this client are sent with.
func (c *Client) Token() string {
	if c.override != nil {
		return *c.override
	}
	c.sess.mu.RLock()
	defer c.sess.mu.RUnlock()
	return c.sess.token
}

// OnReauth registers the handler for rejected shared-token requests.
func (c *Client) OnReauth(h ReauthHandler) {
	c.sess.mu.Lock()
	c.sess.onReauth = h
	c.sess.mu.Unlock()
}

// WithToken returns a copy that sends token instead of the shared one.
// Rejections on the copy never trigger the reauthentication handler.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.override = &token
	return &cp
}

func (c *Client) reauth(ctx context.Context, cause error) {
	c.sess.mu.RLock()
	h := c.sess.onReauth
	c.sess.mu.RUnlock()
	if h != nil {
		h(ctx, cause)
	}
}

// PageOptions is the cursor of a collection page.
type PageOptions struct {
	AfterID string
	PerPage int
}

// Page describes where a collection response sits in the whole collection.
type Page struct {
	Next       *PageOptions // nil on the last page
	PerPage    int
	TotalCount int
}

// Response is a decoded API answer.
type Response[T any] struct {
	Data          T
	Page          *Page // collections only
	DataUpdatedAt *time.Time
}

// Send performs one request for r. Every returned error is a *limiter.ClassifiedError.
func Send[T any](ctx context.Context, c *Client, r Resource[T], page *PageOptions) (*Response[T], error) {
	req, err := c.request(r.Method, r.Path, r.Query, r.Body, r.Shape == ShapeCollection, page)
	if err != nil {
		return nil, limiter.Tag(err)
	}

	var out *Response[T]
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		res, err := c.tr.Do(ctx, req)
		if err != nil {
			return err
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return newStatusError(r.Name, r.Method, req.URL, res.StatusCode, res.Header, res.Body, c.now())
		}
		out, err = decode(r, res.Body)
		if err != nil {
			var de *DecodingError
			if errors.As(err, &de) {
				c.log.Warn("decode failed",
					zap.String("resource", r.Name),
					zap.String("shape", de.Shape),
					zap.Error(de.Err),
				)
			}
		}
		return err
	})
	if err != nil {
		if c.override == nil && limiter.RequiresReauth(err) {
			c.log.Info("session rejected", zap.String("resource", r.Name))
			c.reauth(ctx, err)
		}
		return nil, err
	}
	return out, nil
}

// Pages walks a collection from the first page until next is nil. Each range
// over the returned sequence starts a new walk; iteration stops at the first error.
func Pages[T any](ctx context.Context, c *Client, r Resource[[]T]) iter.Seq2[*Response[[]T], error] {
	return func(yield func(*Response[[]T], error) bool) {
		var page *PageOptions
		for {
			resp, err := Send(ctx, c, r, page)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(resp, nil) {
				return
			}
			if resp.Page == nil || resp.Page.Next == nil {
				return
			}
			page = resp.Page.Next
		}
	}
}

func (c *Client) request(method, path string, query url.Values, body any, collection bool, page *PageOptions) (transport.Request, error) {
	u := c.base.JoinPath(path)
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	if page != nil && page.AfterID != "" {
		q.Set("page_after_id", page.AfterID)
	}
	switch {
	case page != nil && page.PerPage > 0:
		q.Set("per_page", strconv.Itoa(page.PerPage))
	case collection && c.pageSize > 0:
		q.Set("per_page", strconv.Itoa(c.pageSize))
	}
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Wanikani-Revision", c.revision)
	if tok := c.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}

	req := transport.Request{Method: method, URL: u.String(), Header: h}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return req, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = b
		h.Set("Content-Type", "application/json")
	}
	return req, nil
}

type collectionEnvelope struct {
	Pages *struct {
		PerPage int     `json:"per_page"`
		NextURL *string `json:"next_url"`
	} `json:"pages"`
	TotalCount    int             `json:"total_count"`
	DataUpdatedAt *time.Time      `json:"data_updated_at"`
	Data          json.RawMessage `json:"data"`
}

type dataEnvelope struct {
	DataUpdatedAt *time.Time      `json:"data_updated_at"`
	Data          json.RawMessage `json:"data"`
}

func decode[T any](r Resource[T], body []byte) (*Response[T], error) {
	fail := func(err error) (*Response[T], error) {
		return nil, &DecodingError{Resource: r.Name, Shape: payloadShape(body), Err: err}
	}
	out := &Response[T]{}
	switch r.Shape {
	case ShapeCollection:
		var env collectionEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fail(err)
		}
		if len(env.Data) == 0 {
			return fail(errors.New("missing data"))
		}
		if err := json.Unmarshal(env.Data, &out.Data); err != nil {
			return fail(err)
		}
		out.DataUpdatedAt = env.DataUpdatedAt
		out.Page = &Page{TotalCount: env.TotalCount}
		if env.Pages != nil {
			out.Page.PerPage = env.Pages.PerPage
			if env.Pages.NextURL != nil && *env.Pages.NextURL != "" {
				next, err := nextPage(*env.Pages.NextURL, env.Pages.PerPage)
				if err != nil {
					return fail(err)
				}
				out.Page.Next = next
			}
		}
	case ShapeData:
		var env dataEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fail(err)
		}
		if len(env.Data) == 0 {
			return fail(errors.New("missing data"))
		}
		if err := json.Unmarshal(env.Data, &out.Data); err != nil {
			return fail(err)
		}
		out.DataUpdatedAt = env.DataUpdatedAt
	default:
		if err := json.Unmarshal(body, &out.Data); err != nil {
			return fail(err)
		}
	}
	return out, nil
}

func nextPage(raw string, perPage int) (*PageOptions, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("next_url: %w", err)
	}
	after := u.Query().Get("page_after_id")
	if after == "" {
		return nil, fmt.Errorf("next_url %q has no page_after_id", raw)
	}
	if v, err := strconv.Atoi(u.Query().Get("per_page")); err == nil {
		perPage = v
	}
	return &PageOptions{AfterID: after, PerPage: perPage}, nil
}

// Me fetches the user the shared token belongs to.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	resp, err := Send(ctx, c, Me(), nil)
	if err != nil {
		return model.User{}, err
	}
	return resp.Data, nil
}

// Verify fetches the user token belongs to without touching the shared session.
func (c *Client) Verify(ctx context.Context, token string) (model.User, error) {
	return c.WithToken(token).Me(ctx)
}

// UpdateUser applies preference changes.
func (c *Client) UpdateUser(ctx context.Context, u model.UserUpdate) (model.User, error) {
	resp, err := Send(ctx, c, UpdateUser(u), nil)
	if err != nil {
		return model.User{}, err
	}
	return resp.Data, nil
}

// Summary fetches the lessons/reviews report.
func (c *Client) Summary(ctx context.Context) (model.Summary, error) {
	resp, err := Send(ctx, c, Summary(), nil)
	if err != nil {
		return model.Summary{}, err
	}
	return resp.Data, nil
}

// Subject fetches one subject.
func (c *Client) Subject(ctx context.Context, id int) (model.Subject, error) {
	resp, err := Send(ctx, c, Subject(id), nil)
	if err != nil {
		return model.Subject{}, err
	}
	return resp.Data, nil
}

// Assignments collects every page of the filtered assignments collection.
func (c *Client) Assignments(ctx context.Context, f AssignmentFilter) ([]model.Assignment, error) {
	var all []model.Assignment
	for resp, err := range Pages(ctx, c, Assignments(f)) {
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Data...)
	}
	return all, nil
}

// SubjectPages walks subjects changed after updatedAfter; nil means all subjects.
func (c *Client) SubjectPages(ctx context.Context, updatedAfter *time.Time) iter.Seq2[*Response[[]model.Subject], error] {
	return Pages(ctx, c, Subjects(SubjectFilter{UpdatedAfter: updatedAfter}))
}
