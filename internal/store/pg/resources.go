package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"umagate.org/internal/uma"
)

var _ uma.ResourceRepository = (*ResourceRepo)(nil)

// ResourceRepo reads resources registered out of band.
type ResourceRepo struct {
	db *sql.DB
}

func (r *ResourceRepo) Get(ctx context.Context, id string) (*uma.Resource, error) {
	var (
		res    uma.Resource
		scopes []byte
	)
	err := r.db.QueryRowContext(ctx, `
		select id, owner, client_id, type, scopes from resources where id=$1
	`, id).Scan(&res.ID, &res.Owner, &res.ClientID, &res.Type, &scopes)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(scopes, &res.Scopes); err != nil {
		return nil, err
	}
	return &res, nil
}
