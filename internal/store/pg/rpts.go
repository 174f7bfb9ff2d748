package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"umagate.org/internal/uma"
)

var _ uma.RptRepository = (*RptRepo)(nil)

// RptRepo keeps RPT issuance records.
type RptRepo struct {
	db *sql.DB
}

const rptColumns = `id, fingerprint, format, subject, client_id, permissions, issued_at, expires_at, revoked, superseded_by, last_used_at`

// storedPermission keeps the per-permission expiry that the wire form omits.
type storedPermission struct {
	ResourceID string    `json:"resource_id"`
	Scopes     []string  `json:"resource_scopes"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

func encodePermissions(perms []uma.Permission) ([]byte, error) {
	out := make([]storedPermission, 0, len(perms))
	for _, p := range perms {
		out = append(out, storedPermission{ResourceID: p.ResourceID, Scopes: p.Scopes, ExpiresAt: p.ExpiresAt})
	}
	return json.Marshal(out)
}

func decodePermissions(raw []byte) ([]uma.Permission, error) {
	var in []storedPermission
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]uma.Permission, 0, len(in))
	for _, p := range in {
		out = append(out, uma.Permission{ResourceID: p.ResourceID, Scopes: p.Scopes, ExpiresAt: p.ExpiresAt})
	}
	return out, nil
}

func scanRPT(row scanner) (*uma.RPTRecord, error) {
	var (
		rec      uma.RPTRecord
		format   string
		perms    []byte
		lastUsed sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Fingerprint, &format, &rec.Subject, &rec.ClientID, &perms,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked, &rec.SupersededBy, &lastUsed); err != nil {
		return nil, notFound(err)
	}
	p, err := decodePermissions(perms)
	if err != nil {
		return nil, err
	}
	rec.Format = uma.TokenFormat(format)
	rec.Permissions = p
	if lastUsed.Valid {
		rec.LastUsedAt = lastUsed.Time
	}
	return &rec, nil
}

func (r *RptRepo) Put(ctx context.Context, rec *uma.RPTRecord) error {
	perms, err := encodePermissions(rec.Permissions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		insert into rpts(`+rptColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.Fingerprint, string(rec.Format), rec.Subject, rec.ClientID, perms,
		rec.IssuedAt, rec.ExpiresAt, rec.Revoked, rec.SupersededBy, nullTime(rec.LastUsedAt))
	if isUniqueViolation(err) {
		return uma.ErrConflict
	}
	return err
}

func (r *RptRepo) Get(ctx context.Context, id string) (*uma.RPTRecord, error) {
	return scanRPT(r.db.QueryRowContext(ctx, `select `+rptColumns+` from rpts where id=$1`, id))
}

func (r *RptRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*uma.RPTRecord, error) {
	return scanRPT(r.db.QueryRowContext(ctx, `select `+rptColumns+` from rpts where fingerprint=$1`, fingerprint))
}

func (r *RptRepo) Revoke(ctx context.Context, id string) error {
	return affected(r.db.ExecContext(ctx, `update rpts set revoked=true where id=$1`, id))
}

func (r *RptRepo) Supersede(ctx context.Context, id, by string) error {
	return affected(r.db.ExecContext(ctx, `update rpts set superseded_by=$2 where id=$1`, id, by))
}

func (r *RptRepo) Touch(ctx context.Context, id string, at time.Time) error {
	return affected(r.db.ExecContext(ctx, `update rpts set last_used_at=$2 where id=$1`, id, at))
}

func (r *RptRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return deleted(r.db.ExecContext(ctx, `delete from rpts where expires_at <= $1`, now))
}
