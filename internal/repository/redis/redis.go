// Package redis keeps the credential in a Redis hash.
package redis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/repository"
)

const (
	backend     = "redis"
	keyPrefix   = "wk:credential:"
	pingTimeout = 2 * time.Second
)

// Cmdable is the subset of *goredis.Client the store uses.
type Cmdable interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Dial parses a redis:// URL and returns a client that answered PING.
func Dial(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr(err)
	}
	return client, nil
}

// Store is a CredentialStore over one hash per domain.
type Store struct {
	client Cmdable
	domain string
	sealer repository.Sealer
	log    *zap.Logger
}

var _ repository.CredentialStore = (*Store)(nil)

// New constructs a Store.
func New(client Cmdable, domain string, sealer repository.Sealer, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if domain == "" {
		domain = repository.DefaultDomain
	}
	return &Store{client: client, domain: domain, sealer: sealer, log: log}
}

func (s *Store) key() string { return keyPrefix + s.domain }

// Load reads the hash; an absent key means no credential.
func (s *Store) Load(ctx context.Context) (model.Credential, error) {
	fields, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return model.Credential{}, storageErr(err)
	}
	if len(fields) == 0 {
		return model.Credential{}, errs.ErrNoCredential
	}
	secret, err := base64.StdEncoding.DecodeString(fields["secret"])
	if err != nil {
		return model.Credential{}, errs.ErrUnexpectedCredentialData
	}
	return repository.OpenRecord(s.sealer, s.domain, repository.Record{
		Kind:    fields["kind"],
		Account: fields["account"],
		Secret:  secret,
	})
}

// Store writes every field in one HSET, which replaces the record atomically.
func (s *Store) Store(ctx context.Context, c model.Credential) error {
	rec, err := repository.SealCredential(s.sealer, s.domain, c)
	if err != nil {
		return err
	}
	err = s.client.HSet(ctx, s.key(),
		"kind", rec.Kind,
		"account", rec.Account,
		"secret", base64.StdEncoding.EncodeToString(rec.Secret),
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return storageErr(err)
	}
	s.log.Debug("credential stored", zap.String("domain", s.domain), zap.String("kind", rec.Kind))
	return nil
}

// Reset deletes the hash; DEL of a missing key is not an error.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return storageErr(err)
	}
	s.log.Debug("credential reset", zap.String("domain", s.domain))
	return nil
}

// storageErr keeps the redis error prefix (e.g. WRONGTYPE) as the status.
func storageErr(err error) error {
	status := "io"
	var rerr goredis.Error
	if errors.As(err, &rerr) {
		if f := strings.Fields(rerr.Error()); len(f) > 0 {
			status = f[0]
		}
	}
	return &errs.StorageError{Backend: backend, Status: status, Err: err}
}
