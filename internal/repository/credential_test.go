package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/wanikani-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
)

func newVault(t *testing.T) *clientcrypto.Vault {
	t.Helper()
	key, err := clientcrypto.Rand(clientcrypto.KeyLen)
	require.NoError(t, err)
	v, err := clientcrypto.NewVault(key)
	require.NoError(t, err)
	return v
}

func TestSealOpenRecord_Roundtrip(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	in := model.PasswordCredential("kani", "hunter2")

	rec, err := SealCredential(v, DefaultDomain, in)
	require.NoError(t, err)
	require.Equal(t, "password", rec.Kind)
	require.Equal(t, "kani", rec.Account)
	require.NotContains(t, string(rec.Secret), "hunter2")

	out, err := OpenRecord(v, DefaultDomain, rec)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestSealCredential_RejectsInvalid(t *testing.T) {
	t.Parallel()
	_, err := SealCredential(newVault(t), DefaultDomain, model.TokenCredential(""))
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
}

func TestOpenRecord_TamperedOrForeign(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	rec, err := SealCredential(v, DefaultDomain, model.TokenCredential("tok"))
	require.NoError(t, err)

	_, err = OpenRecord(newVault(t), DefaultDomain, rec)
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)

	_, err = OpenRecord(v, "other.example", rec)
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)

	rec.Kind = "password"
	_, err = OpenRecord(v, DefaultDomain, rec)
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
}

func TestOpenRecord_NonUTF8Plaintext(t *testing.T) {
	t.Parallel()
	v := newVault(t)
	blob, err := v.Seal(DefaultDomain, "token", []byte{0xff, 0xfe})
	require.NoError(t, err)
	_, err = OpenRecord(v, DefaultDomain, Record{Kind: "token", Secret: blob})
	require.ErrorIs(t, err, errs.ErrUnexpectedCredentialData)
}
