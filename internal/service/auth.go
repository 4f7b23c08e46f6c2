// Package service contains the authentication orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/wanikani-keeper/internal/api"
	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/limiter"
	"github.com/and161185/wanikani-keeper/internal/login"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/repository"
)

// AuthService resolves and changes the authentication state.
type AuthService interface {
	// State returns the current state.
	State() model.AuthState
	// RestoreSession resolves the state from the stored credential.
	RestoreSession(ctx context.Context) (model.AuthState, error)
	// Login authenticates with token, or with the stored credential when token is empty.
	Login(ctx context.Context, token string) (model.User, error)
	// LoginWithPassword runs the web login to find or prepare an access token.
	LoginWithPassword(ctx context.Context, username, password string) (model.AuthState, error)
	// CreateAccessToken finishes a login that ended in NeedsAdditionalSetup.
	CreateAccessToken(ctx context.Context, req model.AccessTokenRequest) (model.User, error)
	// Logout forgets the credential and the session token.
	Logout(ctx context.Context) error
	// Invalidate drops a session the API rejected.
	Invalidate(ctx context.Context, cause error)
}

// Session is the token holder of the API client; *api.Client implements it.
type Session interface {
	Verify(ctx context.Context, token string) (model.User, error)
	SetToken(token string)
	ClearToken()
	OnReauth(h api.ReauthHandler)
}

// WebLogin is the cookie login bootstrap; *login.Flow implements it.
type WebLogin interface {
	Login(ctx context.Context, username, password string) (login.Outcome, error)
	CreateAccessToken(ctx context.Context, req model.AccessTokenRequest) (model.WebSession, error)
}

// AuthError is a failed token login. Err is ErrInvalidToken or
// ErrServiceUnavailable when the cause maps to one of them.
type AuthError struct {
	Err      error
	Cause    error
	Category limiter.Category
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("login: %v", e.Cause)
	}
	return fmt.Sprintf("login: %v: %v", e.Err, e.Cause)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Cause}
	}
	return []error{e.Err, e.Cause}
}

func authErr(err error) error {
	if err == nil {
		return nil
	}
	ae := &AuthError{Cause: err, Category: limiter.Classify(err)}
	var sc limiter.StatusCoder
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		ae.Err = errs.ErrInvalidToken
	case errors.As(err, &sc) && (sc.HTTPStatus() == http.StatusInternalServerError || sc.HTTPStatus() == http.StatusServiceUnavailable):
		ae.Err = errs.ErrServiceUnavailable
	}
	return ae
}

type AuthServiceImpl struct {
	creds          repository.CredentialStore
	sess           Session
	web            WebLogin
	log            *zap.Logger
	storeOnSuccess bool

	mu    sync.Mutex
	state model.AuthState
}

// Option configures AuthServiceImpl.
type Option func(*AuthServiceImpl)

// WithStoreOnSuccess controls whether a successful token login is persisted.
func WithStoreOnSuccess(v bool) Option { return func(s *AuthServiceImpl) { s.storeOnSuccess = v } }

// NewAuthService constructs the orchestrator and registers it as the
// session's reauthentication handler. web may be nil when password login is not offered.
func NewAuthService(creds repository.CredentialStore, sess Session, web WebLogin, log *zap.Logger, opts ...Option) *AuthServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	s := &AuthServiceImpl{
		creds:          creds,
		sess:           sess,
		web:            web,
		log:            log,
		storeOnSuccess: true,
		state:          model.AuthState{Kind: model.AuthUnknown},
	}
	for _, o := range opts {
		o(s)
	}
	sess.OnReauth(s.Invalidate)
	return s
}

// State returns the current state.
func (s *AuthServiceImpl) State() model.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition must be called with mu held.
func (s *AuthServiceImpl) transition(next model.AuthState, reason string) {
	prev := s.state.Kind
	s.state = next
	fields := []zap.Field{
		zap.String("from", string(prev)),
		zap.String("to", string(next.Kind)),
		zap.String("reason", reason),
	}
	if next.Kind == model.AuthAuthenticated {
		fields = append(fields, zap.String("username", next.User.Username))
	}
	s.log.Info("auth state", fields...)
}

// RestoreSession reads the stored credential once at startup. A token is
// checked against the API: acceptance authenticates without rewriting the
// credential, rejection deletes it. A password runs the web login. Transient
// failures keep the credential and return the error with the state unchanged.
func (s *AuthServiceImpl) RestoreSession(ctx context.Context) (model.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.creds.Load(ctx)
	if err != nil {
		s.transition(model.AuthState{Kind: model.AuthNoSession}, "no usable credential")
		if errors.Is(err, errs.ErrNoCredential) {
			return s.state, nil
		}
		s.log.Warn("credential load failed", zap.Error(err))
		return s.state, err
	}

	switch cred.Kind {
	case model.CredentialToken:
		user, err := s.sess.Verify(ctx, cred.Secret)
		if limiter.RequiresReauth(err) {
			s.resetCredential(ctx)
			s.transition(model.AuthState{Kind: model.AuthNoSession}, "stored token rejected")
			return s.state, nil
		}
		if err != nil {
			return s.state, authErr(err)
		}
		s.sess.SetToken(cred.Secret)
		s.transition(model.AuthState{Kind: model.AuthAuthenticated, User: user}, "stored token accepted")
		return s.state, nil
	default:
		if _, err := s.passwordLocked(ctx, cred.Account, cred.Secret, false); err != nil {
			if errors.Is(err, errs.ErrBadCredentials) {
				s.resetCredential(ctx)
				s.transition(model.AuthState{Kind: model.AuthNoSession}, "stored password rejected")
				return s.state, nil
			}
			return s.state, err
		}
		return s.state, nil
	}
}

// Login verifies token and makes it the session token. Failures leave the
// session and the state untouched, except that a rejected stored token is
// deleted and the state becomes NoSession.
func (s *AuthServiceImpl) Login(ctx context.Context, token string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persist, stored := s.storeOnSuccess, token == ""
	if stored {
		cred, err := s.creds.Load(ctx)
		if err != nil {
			return model.User{}, err
		}
		if cred.Kind == model.CredentialPassword {
			st, err := s.passwordLocked(ctx, cred.Account, cred.Secret, false)
			if err != nil {
				return model.User{}, err
			}
			if st.Kind != model.AuthAuthenticated {
				return model.User{}, errs.ErrNeedsAccessToken
			}
			return st.User, nil
		}
		token, persist = cred.Secret, false
	}

	user, err := s.sess.Verify(ctx, token)
	if err != nil {
		s.log.Info("token login rejected", zap.String("category", limiter.Classify(err).String()), zap.Error(err))
		if stored && limiter.RequiresReauth(err) {
			s.resetCredential(ctx)
			s.sess.ClearToken()
			s.transition(model.AuthState{Kind: model.AuthNoSession}, "stored token rejected")
		}
		return model.User{}, authErr(err)
	}
	if persist {
		if err := s.creds.Store(ctx, model.TokenCredential(token)); err != nil {
			return model.User{}, err
		}
	}
	s.sess.SetToken(token)
	s.transition(model.AuthState{Kind: model.AuthAuthenticated, User: user}, "token login")
	return user, nil
}

// LoginWithPassword runs the web login. When a token already exists the
// session is authenticated with it; otherwise the state becomes
// NeedsAdditionalSetup and the password is kept so a restart can resume.
func (s *AuthServiceImpl) LoginWithPassword(ctx context.Context, username, password string) (model.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordLocked(ctx, username, password, s.storeOnSuccess)
}

func (s *AuthServiceImpl) passwordLocked(ctx context.Context, username, password string, persistPassword bool) (model.AuthState, error) {
	if s.web == nil {
		return s.state, errors.New("password login is not configured")
	}
	out, err := s.web.Login(ctx, username, password)
	if err != nil {
		s.log.Info("web login failed", zap.Error(err))
		return s.state, err
	}
	switch out.Stage {
	case login.StageAuthenticated:
		if _, err := s.adoptWebSession(ctx, out.Session); err != nil {
			return s.state, err
		}
	case login.StageNeedsAccessToken:
		if persistPassword {
			if err := s.creds.Store(ctx, model.PasswordCredential(username, password)); err != nil {
				return s.state, err
			}
		}
		s.transition(model.AuthState{Kind: model.AuthNeedsAdditionalSetup, Pending: out.Request}, "web login without token")
	default:
		return s.state, fmt.Errorf("web login ended in stage %s", out.Stage)
	}
	return s.state, nil
}

// CreateAccessToken mints a token for req, or for the pending web session
// when req has no cookie, and authenticates with it.
func (s *AuthServiceImpl) CreateAccessToken(ctx context.Context, req model.AccessTokenRequest) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.web == nil {
		return model.User{}, errors.New("password login is not configured")
	}
	if req.Cookie == "" {
		if s.state.Kind != model.AuthNeedsAdditionalSetup {
			return model.User{}, errs.ErrSessionCookieNotSet
		}
		perms := req.Permissions
		req = s.state.Pending
		if perms != (model.Permissions{}) {
			req.Permissions = perms
		}
	}
	ws, err := s.web.CreateAccessToken(ctx, req)
	if err != nil {
		return model.User{}, err
	}
	return s.adoptWebSession(ctx, ws)
}

// adoptWebSession verifies the scraped token and stores it in place of any
// password credential.
func (s *AuthServiceImpl) adoptWebSession(ctx context.Context, ws model.WebSession) (model.User, error) {
	user, err := s.sess.Verify(ctx, ws.AccessToken)
	if err != nil {
		return model.User{}, authErr(err)
	}
	if err := s.creds.Store(ctx, model.TokenCredential(ws.AccessToken)); err != nil {
		return model.User{}, err
	}
	s.sess.SetToken(ws.AccessToken)
	s.transition(model.AuthState{Kind: model.AuthAuthenticated, User: user}, "web login")
	return user, nil
}

// Logout always ends in NoSession. A failure to delete the stored
// credential is returned after the transition.
func (s *AuthServiceImpl) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.creds.Reset(ctx)
	if err != nil {
		s.log.Warn("credential reset failed during logout", zap.Error(err))
	}
	s.sess.ClearToken()
	s.transition(model.AuthState{Kind: model.AuthNoSession}, "logout")
	return err
}

// Invalidate handles a request the API rejected with the session token.
func (s *AuthServiceImpl) Invalidate(ctx context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Kind == model.AuthNoSession {
		return
	}
	s.log.Warn("session rejected by api", zap.Error(cause))
	s.resetCredential(ctx)
	s.sess.ClearToken()
	s.transition(model.AuthState{Kind: model.AuthNoSession}, "session rejected")
}

func (s *AuthServiceImpl) resetCredential(ctx context.Context) {
	if err := s.creds.Reset(ctx); err != nil {
		s.log.Warn("credential reset failed", zap.Error(err))
	}
}
