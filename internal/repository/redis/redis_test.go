package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/wanikani-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
)

/************ fake redis ************/

type replyErr string

func (e replyErr) Error() string { return string(e) }
func (replyErr) RedisError()     {}

type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	fail   error
	hsets  int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{hashes: map[string]map[string]string{}} }

func (f *fakeRedis) HGetAll(_ context.Context, key string) *goredis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return goredis.NewMapStringStringResult(out, f.fail)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return goredis.NewIntResult(0, f.fail)
	}
	f.hsets++
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		k := values[i].(string)
		if _, ok := h[k]; !ok {
			added++
		}
		h[k] = values[i+1].(string)
	}
	return goredis.NewIntResult(added, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return goredis.NewIntResult(0, f.fail)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func newVault(t *testing.T) *clientcrypto.Vault {
	t.Helper()
	key, err := clientcrypto.Rand(clientcrypto.KeyLen)
	require.NoError(t, err)
	v, err := clientcrypto.NewVault(key)
	require.NoError(t, err)
	return v
}

func TestStore_Roundtrip(t *testing.T) {
	t.Parallel()
	rdb := newFakeRedis()
	s := New(rdb, "", newVault(t), zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, errs.ErrNoCredential)

	require.NoError(t, s.Store(ctx, model.PasswordCredential("kani", "hunter2")))
	require.NoError(t, s.Store(ctx, model.TokenCredential("tok")))
	require.Len(t, rdb.hashes, 1)
	require.NotContains(t, rdb.hashes["wk:credential:api.wanikani.com"]["secret"], "tok")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, model.TokenCredential("tok"), got)
}

func TestStore_ResetIsIdempotent(t *testing.T) {
	t.Parallel()
	rdb := newFakeRedis()
	s := New(rdb, "", newVault(t), nil)
	ctx := context.Background()

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Store(ctx, model.TokenCredential("tok")))
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Reset(ctx))
	_, err := s.Load(ctx)
	require.ErrorIs(t, err, errs.ErrNoCredential)
}

func TestStore_MalformedHash(t *testing.T) {
	t.Parallel()
	rdb := newFakeRedis()
	rdb.hashes["wk:credential:api.wanikani.com"] = map[string]string{"kind": "token", "secret": "!!!not base64"}
	s := New(rdb, "", newVault(t), nil)
	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
}

func TestStore_RedisErrorsAreStorageErrors(t *testing.T) {
	t.Parallel()
	rdb := newFakeRedis()
	rdb.fail = replyErr("WRONGTYPE Operation against a key holding the wrong kind of value")
	s := New(rdb, "", newVault(t), nil)
	ctx := context.Background()

	_, err := s.Load(ctx)
	var se *errs.StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "redis", se.Backend)
	require.Equal(t, "WRONGTYPE", se.Status)

	err = s.Store(ctx, model.TokenCredential("tok"))
	require.True(t, errors.As(err, &se))

	rdb.fail = errors.New("dial tcp: connection refused")
	err = s.Reset(ctx)
	require.True(t, errors.As(err, &se))
	require.Equal(t, "io", se.Status)
}

func TestStore_InvalidCredentialNotWritten(t *testing.T) {
	t.Parallel()
	rdb := newFakeRedis()
	s := New(rdb, "", newVault(t), nil)
	err := s.Store(context.Background(), model.Credential{Kind: model.CredentialToken})
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
	require.Zero(t, rdb.hsets)
}
