package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"umagate.org/internal/uma"
)

var _ uma.PCTRepository = (*PCTRepo)(nil)

// PCTRepo stores persisted claims tokens keyed by fingerprint.
type PCTRepo struct {
	db *sql.DB
}

func (r *PCTRepo) Put(ctx context.Context, p *uma.PCTRecord) error {
	claims, err := json.Marshal(p.Claims)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		insert into pcts(fingerprint, client_id, claims, issued_at, expires_at, revoked)
		values ($1,$2,$3,$4,$5,$6)
	`, p.Fingerprint, p.ClientID, claims, p.IssuedAt, p.ExpiresAt, p.Revoked)
	if isUniqueViolation(err) {
		return uma.ErrConflict
	}
	return err
}

func (r *PCTRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*uma.PCTRecord, error) {
	var (
		p      uma.PCTRecord
		claims []byte
	)
	err := r.db.QueryRowContext(ctx, `
		select fingerprint, client_id, claims, issued_at, expires_at, revoked
		from pcts where fingerprint=$1
	`, fingerprint).Scan(&p.Fingerprint, &p.ClientID, &claims, &p.IssuedAt, &p.ExpiresAt, &p.Revoked)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(claims, &p.Claims); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PCTRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return deleted(r.db.ExecContext(ctx, `delete from pcts where expires_at <= $1`, now))
}
