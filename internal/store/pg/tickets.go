package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"umagate.org/internal/uma"
)

var _ uma.TicketRepository = (*TicketRepo)(nil)

// TicketRepo stores permission tickets in permission_tickets.
type TicketRepo struct {
	db *sql.DB
}

func (r *TicketRepo) Put(ctx context.Context, t *uma.PermissionTicket) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		insert into permission_tickets(id, permissions, resource_server, client_id, state, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, t.ID, perms, t.ResourceServer, t.ClientID, string(t.State), t.CreatedAt, t.ExpiresAt)
	if isUniqueViolation(err) {
		return uma.ErrConflict
	}
	return err
}

func (r *TicketRepo) Get(ctx context.Context, id string) (*uma.PermissionTicket, error) {
	var (
		t     uma.PermissionTicket
		perms []byte
		state string
	)
	err := r.db.QueryRowContext(ctx, `
		select id, permissions, resource_server, client_id, state, created_at, expires_at
		from permission_tickets where id=$1
	`, id).Scan(&t.ID, &perms, &t.ResourceServer, &t.ClientID, &state, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(perms, &t.Permissions); err != nil {
		return nil, err
	}
	t.State = uma.TicketState(state)
	return &t, nil
}

// MarkRedeemed is a single conditional update; the row either flips or the
// follow-up read explains why it did not.
func (r *TicketRepo) MarkRedeemed(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		update permission_tickets set state='redeemed'
		where id=$1 and state='pending' and expires_at > $2
	`, id, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var (
		state   string
		expires time.Time
	)
	err = r.db.QueryRowContext(ctx, `select state, expires_at from permission_tickets where id=$1`, id).Scan(&state, &expires)
	if err != nil {
		return notFound(err)
	}
	if uma.TicketState(state) == uma.TicketRedeemed {
		return uma.ErrAlreadyRedeemed
	}
	if !now.Before(expires) {
		return uma.ErrExpired
	}
	return uma.ErrAlreadyRedeemed
}

func (r *TicketRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return deleted(r.db.ExecContext(ctx, `delete from permission_tickets where expires_at <= $1`, now))
}
