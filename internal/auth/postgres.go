package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ ClientStore = (*PGClientStore)(nil)

// PGClientStore implements ClientStore using PostgreSQL.
type PGClientStore struct {
	db *sql.DB
}

func NewPGClientStore(db *sql.DB) *PGClientStore {
	return &PGClientStore{db: db}
}

func (s *PGClientStore) Create(ctx context.Context, c *Client) error {
	if c.ID == "" {
		return ErrInvalidInput
	}
	uris, err := json.Marshal(c.ClaimsRedirectURIs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into clients(id, name, secret_hash, kind, claims_redirect_uris, disabled) values($1,$2,$3,$4,$5,$6)`,
		c.ID, c.Name, c.SecretHash, string(c.Kind), uris, c.Disabled,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

const clientColumns = `id, name, secret_hash, kind, claims_redirect_uris, disabled, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*Client, error) {
	var (
		c    Client
		kind string
		uris []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &kind, &uris, &c.Disabled, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Kind = ClientKind(kind)
	if len(uris) > 0 {
		if err := json.Unmarshal(uris, &c.ClaimsRedirectURIs); err != nil {
			return nil, fmt.Errorf("decode claims_redirect_uris of client %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *PGClientStore) Find(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `select `+clientColumns+` from clients where id=$1`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PGClientStore) List(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `select `+clientColumns+` from clients order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGClientStore) SetDisabled(ctx context.Context, id string, disabled bool) error {
	res, err := s.db.ExecContext(ctx, `update clients set disabled=$2 where id=$1`, id, disabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
