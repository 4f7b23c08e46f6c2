package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/wanikani-keeper/internal/api"
	"github.com/and161185/wanikani-keeper/internal/config"
	"github.com/and161185/wanikani-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/wanikani-keeper/internal/limiter"
	"github.com/and161185/wanikani-keeper/internal/login"
	"github.com/and161185/wanikani-keeper/internal/migrate"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/repository"
	"github.com/and161185/wanikani-keeper/internal/repository/file"
	"github.com/and161185/wanikani-keeper/internal/repository/postgres"
	"github.com/and161185/wanikani-keeper/internal/repository/redis"
	"github.com/and161185/wanikani-keeper/internal/service"
	"github.com/and161185/wanikani-keeper/internal/subjects"
	"github.com/and161185/wanikani-keeper/internal/transport"
)

var errNotLoggedIn = errors.New("not logged in (run: wk login)")

// app is the wiring shared by every command.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  repository.CredentialStore
	client *api.Client
	auth   *service.AuthServiceImpl

	closers []func()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// newApp builds logger, credential store, API client and orchestrator from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	if a.store, err = a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	ua := transport.WithUserAgent("wk/" + version)
	policy := limiter.NewPolicy(log,
		limiter.WithRequestsPerMinute(cfg.RequestsPerMinute),
		limiter.WithMaxRateLimitRetries(cfg.MaxRateLimitRetries),
	)
	a.client, err = api.NewClient(cfg.APIBaseURL, transport.New(hc, log, ua), log,
		api.WithRevision(cfg.APIRevision),
		api.WithPageSize(cfg.PageSize),
		api.WithPolicy(policy),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	flow, err := login.New(cfg.WebBaseURL, log,
		login.WithAppLabel(cfg.AppLabel),
		login.WithTimeout(cfg.HTTPTimeout),
		login.WithTransportOptions(ua),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.auth = service.NewAuthService(a.store, a.client, flow, log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (repository.CredentialStore, error) {
	vault, err := clientcrypto.OpenVault(a.cfg.CredentialDir(), a.cfg.VaultPassphrase)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	domain := a.cfg.CredentialDomain

	switch a.cfg.CredentialBackend {
	case config.BackendPostgres:
		if err := migrate.Up(ctx, a.cfg.PostgresDSN, a.log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return postgres.NewCredentialRepo(db, domain, vault, a.log), nil
	case config.BackendRedis:
		client, err := redis.Dial(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return redis.New(client, domain, vault, a.log), nil
	default:
		return file.New(a.cfg.CredentialDir(), domain, vault, a.log), nil
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// session restores the stored login and fails unless it is authenticated.
func (a *app) session(ctx context.Context) (model.User, error) {
	st, err := a.auth.RestoreSession(ctx)
	if err != nil {
		return model.User{}, err
	}
	switch st.Kind {
	case model.AuthAuthenticated:
		return st.User, nil
	case model.AuthNeedsAdditionalSetup:
		return model.User{}, errors.New("login incomplete (run: wk login -u USER -p PASS --create-token)")
	default:
		return model.User{}, errNotLoggedIn
	}
}

func (a *app) openCache() (*subjects.Cache, error) {
	return subjects.Open(a.cfg.SubjectCachePath(), a.log, subjects.WithFreshnessWindow(a.cfg.FreshnessWindow))
}
