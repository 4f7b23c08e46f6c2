package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/and161185/wanikani-keeper/internal/errs"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/repository"
)

// CredentialRepo implements CredentialStore using PostgreSQL.
type CredentialRepo struct {
	db     *DB
	domain string
	sealer repository.Sealer
	log    *zap.Logger
}

var _ repository.CredentialStore = (*CredentialRepo)(nil)

// NewCredentialRepo constructs a credential repository scoped to domain.
func NewCredentialRepo(db *DB, domain string, sealer repository.Sealer, log *zap.Logger) *CredentialRepo {
	if log == nil {
		log = zap.NewNop()
	}
	if domain == "" {
		domain = repository.DefaultDomain
	}
	return &CredentialRepo{db: db, domain: domain, sealer: sealer, log: log}
}

// Load selects and opens the domain's credential.
func (r *CredentialRepo) Load(ctx context.Context) (model.Credential, error) {
	const q = `
SELECT kind, account, secret
FROM credentials WHERE domain=$1`
	var rec repository.Record
	if err := r.db.Pool.QueryRow(ctx, q, r.domain).Scan(&rec.Kind, &rec.Account, &rec.Secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Credential{}, errs.ErrNoCredential
		}
		if errors.Is(err, context.Canceled) {
			return model.Credential{}, err
		}
		return model.Credential{}, storageErr(err)
	}
	return repository.OpenRecord(r.sealer, r.domain, rec)
}

// Store upserts the credential; the row for the domain is replaced atomically.
func (r *CredentialRepo) Store(ctx context.Context, c model.Credential) error {
	rec, err := repository.SealCredential(r.sealer, r.domain, c)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO credentials (domain, kind, account, secret, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (domain) DO UPDATE
SET kind = EXCLUDED.kind, account = EXCLUDED.account, secret = EXCLUDED.secret, updated_at = now()`
	if _, err := r.db.Pool.Exec(ctx, q, r.domain, rec.Kind, rec.Account, rec.Secret); err != nil {
		return storageErr(err)
	}
	r.log.Debug("credential stored", zap.String("domain", r.domain), zap.String("kind", rec.Kind))
	return nil
}

// Reset deletes the domain's row; a missing row is fine.
func (r *CredentialRepo) Reset(ctx context.Context) error {
	const q = `DELETE FROM credentials WHERE domain=$1`
	tag, err := r.db.Pool.Exec(ctx, q, r.domain)
	if err != nil {
		return storageErr(err)
	}
	r.log.Debug("credential reset", zap.String("domain", r.domain), zap.Int64("rows", tag.RowsAffected()))
	return nil
}
