// Package login bootstraps an API token from a username and password by
// driving the WaniKani web login with a cookie session.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/scrape"
	"github.com/and161185/wanikani-keeper/internal/transport"
)

const (
	// DefaultBaseURL is the web application root.
	DefaultBaseURL = "https://www.wanikani.com"
	// DefaultAppLabel is the description of tokens this client creates and looks for.
	DefaultAppLabel = "wanikani-go"
	// SessionCookie carries the logged-in web session.
	SessionCookie = "_wanikani_session"

	pathLogin     = "/login"
	pathDashboard = "/dashboard"
	pathAccount   = "/settings/account"
	pathTokens    = "/settings/personal_access_tokens"

	defaultTimeout = 30 * time.Second
)

// Stage names a step of the flow in logs and errors.
type Stage string

const (
	StageFetchLoginPage          Stage = "fetch_login_page"
	StageSubmitCredentials       Stage = "submit_credentials"
	StageFetchEmailAndTokenPages Stage = "fetch_email_and_token_pages"
	StageNeedsAccessToken        Stage = "needs_access_token"
	StageCreateAccessToken       Stage = "create_access_token"
	StageAuthenticated           Stage = "authenticated"
)

// StatusError is an unexpected HTTP status from a web page.
type StatusError struct {
	Stage      Stage
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("login %s: unexpected status %d", e.Stage, e.StatusCode)
}

// HTTPStatus implements limiter.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Outcome is where a login attempt ended: Authenticated with a session, or
// NeedsAccessToken with the request to pass to CreateAccessToken.
type Outcome struct {
	Stage   Stage
	Session model.WebSession
	Request model.AccessTokenRequest
}

// Flow performs the cookie login. It is safe for concurrent use; every Login
// runs on its own cookie jar.
type Flow struct {
	base        *url.URL
	label       string
	permissions model.Permissions
	parser      scrape.Parser
	timeout     time.Duration
	log         *zap.Logger
	trOpts      []transport.Option

	// cookie-authorised requests after login use a jar-less client
	tr *transport.Transport
}

// Option configures a Flow.
type Option func(*Flow)

// WithAppLabel sets the token description to look for and create.
func WithAppLabel(label string) Option { return func(f *Flow) { f.label = label } }

// WithPermissions sets the scopes requested for tokens created after login.
func WithPermissions(p model.Permissions) Option { return func(f *Flow) { f.permissions = p } }

// WithParser replaces the HTML parser.
func WithParser(p scrape.Parser) Option { return func(f *Flow) { f.parser = p } }

// WithTimeout bounds each HTTP exchange.
func WithTimeout(d time.Duration) Option { return func(f *Flow) { f.timeout = d } }

// WithTransportOptions forwards options to every transport the flow builds.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(f *Flow) { f.trOpts = append(f.trOpts, opts...) }
}

// New constructs a Flow against baseURL (DefaultBaseURL when empty).
func New(baseURL string, log *zap.Logger, opts ...Option) (*Flow, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse web base url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Flow{
		base:    base,
		label:   DefaultAppLabel,
		parser:  scrape.HTMLParser{},
		timeout: defaultTimeout,
		log:     log,
	}
	for _, o := range opts {
		o(f)
	}
	f.tr = transport.New(&http.Client{Timeout: f.timeout}, log, f.trOpts...)
	return f, nil
}

func (f *Flow) url(path string) string { return f.base.JoinPath(path).String() }

// Login signs in with username and password and looks for an existing token.
func (f *Flow) Login(ctx context.Context, username, password string) (Outcome, error) {
	cookie, err := f.sessionCookie(ctx, username, password)
	if err != nil {
		return Outcome{}, err
	}

	f.stage(StageFetchEmailAndTokenPages)
	var email, token string
	var tokenErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		page, err := f.getWithCookie(gctx, StageFetchEmailAndTokenPages, pathAccount, cookie)
		if err != nil {
			return err
		}
		email, err = f.parser.EmailAddress(page)
		return err
	})
	g.Go(func() error {
		page, err := f.getWithCookie(gctx, StageFetchEmailAndTokenPages, pathTokens, cookie)
		if err != nil {
			return err
		}
		token, tokenErr = f.parser.AccessToken(page, f.label)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	if errors.Is(tokenErr, errs.ErrAccessTokenNotFound) {
		f.stage(StageNeedsAccessToken)
		return Outcome{
			Stage:   StageNeedsAccessToken,
			Request: model.AccessTokenRequest{Cookie: cookie, EmailAddress: email, Permissions: f.permissions},
		}, nil
	}
	if tokenErr != nil {
		return Outcome{}, tokenErr
	}

	f.stage(StageAuthenticated)
	return Outcome{
		Stage:   StageAuthenticated,
		Session: model.WebSession{Cookie: cookie, EmailAddress: email, AccessToken: token},
	}, nil
}

// CreateAccessToken mints a token for a session that has none.
func (f *Flow) CreateAccessToken(ctx context.Context, req model.AccessTokenRequest) (model.WebSession, error) {
	f.stage(StageCreateAccessToken)
	page, err := f.getWithCookie(ctx, StageCreateAccessToken, pathTokens, req.Cookie)
	if err != nil {
		return model.WebSession{}, err
	}
	csrf, err := f.parser.CSRFToken(page)
	if err != nil {
		return model.WebSession{}, err
	}

	fields := []transport.Field{
		{Name: "personal_access_token[description]", Value: f.label},
		{Name: "authenticity_token", Value: csrf},
		{Name: "utf8", Value: "✓"},
	}
	fields = append(fields, permissionFields(req.Permissions)...)

	h := http.Header{}
	h.Set("Cookie", SessionCookie+"="+req.Cookie)
	h.Set("Content-Type", transport.FormContentType)
	res, err := f.tr.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    f.url(pathTokens),
		Header: h,
		Body:   transport.FormBody(fields),
	})
	if err != nil {
		return model.WebSession{}, err
	}
	if !ok(res.StatusCode) {
		return model.WebSession{}, &StatusError{Stage: StageCreateAccessToken, StatusCode: res.StatusCode}
	}
	token, err := f.parser.AccessToken(res.Body, f.label)
	if err != nil {
		return model.WebSession{}, err
	}

	f.stage(StageAuthenticated)
	return model.WebSession{Cookie: req.Cookie, EmailAddress: req.EmailAddress, AccessToken: token}, nil
}

// sessionCookie fetches the login form and posts the credentials. A session
// cookie that did not change, or a landing page other than the dashboard,
// means the credentials were rejected.
func (f *Flow) sessionCookie(ctx context.Context, username, password string) (string, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return "", err
	}
	tr := transport.New(&http.Client{Jar: jar, Timeout: f.timeout}, f.log, f.trOpts...)

	f.stage(StageFetchLoginPage)
	res, err := tr.Do(ctx, transport.Request{Method: http.MethodGet, URL: f.url(pathLogin)})
	if err != nil {
		return "", err
	}
	if !ok(res.StatusCode) {
		return "", &StatusError{Stage: StageFetchLoginPage, StatusCode: res.StatusCode}
	}
	csrf, err := f.parser.CSRFToken(res.Body)
	if err != nil {
		return "", err
	}
	first, err := f.jarCookie(jar)
	if err != nil {
		return "", err
	}

	f.stage(StageSubmitCredentials)
	h := http.Header{}
	h.Set("Content-Type", transport.FormContentType)
	res, err = tr.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    f.url(pathLogin),
		Header: h,
		Body: transport.FormBody([]transport.Field{
			{Name: "user[login]", Value: username},
			{Name: "user[password]", Value: password},
			{Name: "user[remember_me]", Value: "0"},
			{Name: "authenticity_token", Value: csrf},
			{Name: "utf8", Value: "✓"},
		}),
	})
	if err != nil {
		return "", err
	}
	second, err := f.jarCookie(jar)
	if err != nil {
		return "", err
	}
	if first == second {
		f.log.Info("login rejected", zap.String("reason", "session cookie unchanged"))
		return "", errs.ErrBadCredentials
	}
	if res.FinalURL == nil || strings.TrimSuffix(res.FinalURL.Path, "/") != pathDashboard {
		f.log.Info("login rejected", zap.String("reason", "not redirected to dashboard"))
		return "", errs.ErrBadCredentials
	}
	return second, nil
}

func (f *Flow) jarCookie(jar http.CookieJar) (string, error) {
	for _, c := range jar.Cookies(f.base) {
		if c.Name == SessionCookie {
			return c.Value, nil
		}
	}
	return "", errs.ErrSessionCookieNotSet
}

func (f *Flow) getWithCookie(ctx context.Context, stage Stage, path, cookie string) ([]byte, error) {
	h := http.Header{}
	h.Set("Cookie", SessionCookie+"="+cookie)
	res, err := f.tr.Do(ctx, transport.Request{Method: http.MethodGet, URL: f.url(path), Header: h})
	if err != nil {
		return nil, err
	}
	if !ok(res.StatusCode) {
		return nil, &StatusError{Stage: stage, StatusCode: res.StatusCode}
	}
	return res.Body, nil
}

func (f *Flow) stage(s Stage) { f.log.Info("login stage", zap.String("stage", string(s))) }

func ok(code int) bool { return code >= 200 && code <= 299 }

func permissionFields(p model.Permissions) []transport.Field {
	const prefix = "personal_access_token[permissions]"
	var out []transport.Field
	add := func(on bool, scope, action string) {
		if on {
			out = append(out, transport.Field{Name: prefix + "[" + scope + "][" + action + "]", Value: "1"})
		}
	}
	add(p.StartAssignments, "assignments", "start")
	add(p.CreateReviews, "reviews", "create")
	add(p.CreateStudyMaterials, "study_materials", "create")
	add(p.UpdateStudyMaterials, "study_materials", "update")
	add(p.UpdateUser, "user", "update")
	return out
}
