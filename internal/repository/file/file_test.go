package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/wanikani-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := clientcrypto.OpenVault(dir, "")
	require.NoError(t, err)
	return New(filepath.Join(dir, "credentials"), "", v, zaptest.NewLogger(t)), dir
}

func TestStore_LoadEmpty(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, errs.ErrNoCredential)
}

func TestStore_StoreTwiceKeepsOneRecord(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, model.TokenCredential("first")))
	require.NoError(t, s.Store(ctx, model.TokenCredential("second")))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", got.Secret)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp or lock files left behind")

	st, err := os.Stat(s.path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestStore_PasswordReplacedByToken(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, model.PasswordCredential("kani", "hunter2")))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, model.CredentialPassword, got.Kind)
	require.Equal(t, "kani", got.Account)

	require.NoError(t, s.Store(ctx, model.TokenCredential("tok")))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, model.TokenCredential("tok"), got)
}

func TestStore_ResetIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Store(ctx, model.TokenCredential("tok")))
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Reset(ctx))
	_, err := s.Load(ctx)
	require.ErrorIs(t, err, errs.ErrNoCredential)
}

func TestStore_InvalidCredentialNotWritten(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	err := s.Store(context.Background(), model.PasswordCredential("", "pw"))
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
	_, err = os.Stat(s.path())
	require.True(t, os.IsNotExist(err))
}

func TestStore_CorruptRecord(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	require.NoError(t, os.MkdirAll(s.dir, 0o700))
	require.NoError(t, os.WriteFile(s.path(), []byte("{not json"), 0o600))
	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
}

func TestStore_ForeignKeyCannotOpen(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, model.TokenCredential("tok")))

	other, err := clientcrypto.OpenVault(t.TempDir(), "")
	require.NoError(t, err)
	foreign := New(s.dir, "", other, nil)
	_, err = foreign.Load(ctx)
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
}

func TestStore_ConcurrentStoresSerialize(t *testing.T) {
	t.Parallel()
	s, dir := newStore(t)
	v, err := clientcrypto.OpenVault(dir, "")
	require.NoError(t, err)
	// a second Store instance stands in for another process
	peer := New(s.dir, "", v, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := s
			if i%2 == 1 {
				st = peer
			}
			assert.NoError(t, st.Store(ctx, model.TokenCredential("tok")))
		}(i)
	}
	wg.Wait()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok", got.Secret)
}

func TestStore_LockHonoursContext(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	require.NoError(t, os.MkdirAll(s.dir, 0o700))
	require.NoError(t, os.WriteFile(s.path()+".lock", nil, 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Store(ctx, model.TokenCredential("tok"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_StaleLockIsBroken(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	require.NoError(t, os.MkdirAll(s.dir, 0o700))
	lock := s.path() + ".lock"
	require.NoError(t, os.WriteFile(lock, nil, 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	require.NoError(t, s.Store(context.Background(), model.TokenCredential("tok")))
}
