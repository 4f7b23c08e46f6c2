// Package file stores the credential as a sealed JSON record under the config directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/repository"
)

const (
	backend      = "file"
	lockPoll     = 20 * time.Millisecond
	lockStaleAge = 30 * time.Second
)

type record struct {
	Kind      string    `json:"kind"`
	Account   string    `json:"account,omitempty"`
	Secret    []byte    `json:"secret"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a CredentialStore backed by one file per domain.
type Store struct {
	dir    string
	domain string
	sealer repository.Sealer
	log    *zap.Logger

	mu sync.Mutex
}

var _ repository.CredentialStore = (*Store)(nil)

// New constructs a Store keeping records in dir.
func New(dir, domain string, sealer repository.Sealer, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if domain == "" {
		domain = repository.DefaultDomain
	}
	return &Store{dir: dir, domain: domain, sealer: sealer, log: log}
}

func (s *Store) path() string { return filepath.Join(s.dir, s.domain+".json") }

// Load reads and opens the record.
func (s *Store) Load(ctx context.Context) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return model.Credential{}, errs.ErrNoCredential
	}
	if err != nil {
		return model.Credential{}, storageErr(err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Warn("credential record unreadable", zap.String("domain", s.domain), zap.Error(err))
		return model.Credential{}, errs.ErrUnexpectedCredentialData
	}
	return repository.OpenRecord(s.sealer, s.domain, repository.Record{
		Kind: rec.Kind, Account: rec.Account, Secret: rec.Secret,
	})
}

// Store seals c and atomically replaces the record.
func (s *Store) Store(ctx context.Context, c model.Credential) error {
	sealed, err := repository.SealCredential(s.sealer, s.domain, c)
	if err != nil {
		return err
	}
	b, err := json.Marshal(record{
		Kind:      sealed.Kind,
		Account:   sealed.Account,
		Secret:    sealed.Secret,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return storageErr(err)
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(s.dir, "."+s.domain+".*.tmp")
	if err != nil {
		return storageErr(err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return storageErr(err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return storageErr(err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr(err)
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return storageErr(err)
	}
	s.log.Debug("credential stored", zap.String("domain", s.domain), zap.String("kind", sealed.Kind))
	return nil
}

// Reset removes the record if present.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer unlock()

	if err := os.Remove(s.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr(err)
	}
	s.log.Debug("credential reset", zap.String("domain", s.domain))
	return nil
}

// lock takes an exclusive lock file so separate processes do not interleave writes.
func (s *Store) lock(ctx context.Context) (func(), error) {
	p := s.path() + ".lock"
	for {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(p) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			return nil, storageErr(err)
		}
		if st, serr := os.Stat(p); serr == nil && time.Since(st.ModTime()) > lockStaleAge {
			s.log.Warn("removing stale credential lock", zap.String("path", p))
			_ = os.Remove(p)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func storageErr(err error) error {
	status := "unknown"
	var errno syscall.Errno
	if errors.As(err, &errno) {
		status = strconv.Itoa(int(errno))
	}
	return &errs.StorageError{Backend: backend, Status: status, Err: err}
}
