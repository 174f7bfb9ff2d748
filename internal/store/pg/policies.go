package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"umagate.org/internal/policy"
)

// PolicyRepo persists policy definitions and their resource bindings.
type PolicyRepo struct {
	db *sql.DB
}

// Load reads every definition and binding. Bindings come back grouped per
// resource and scope in position order.
func (r *PolicyRepo) Load(ctx context.Context) ([]policy.Definition, []policy.Binding, error) {
	rows, err := r.db.QueryContext(ctx, `select name, kind, config from policies order by name`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var defs []policy.Definition
	for rows.Next() {
		var (
			def policy.Definition
			cfg []byte
		)
		if err := rows.Scan(&def.Name, &def.Kind, &cfg); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(cfg, &def.Config); err != nil {
			return nil, nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	brows, err := r.db.QueryContext(ctx, `
		select resource_id, scope, policy_name from policy_bindings
		order by resource_id, scope, position
	`)
	if err != nil {
		return nil, nil, err
	}
	defer brows.Close()

	var bindings []policy.Binding
	for brows.Next() {
		var resource, scope, name string
		if err := brows.Scan(&resource, &scope, &name); err != nil {
			return nil, nil, err
		}
		if n := len(bindings); n > 0 && bindings[n-1].Resource == resource && bindings[n-1].Scope == scope {
			bindings[n-1].Policies = append(bindings[n-1].Policies, name)
			continue
		}
		bindings = append(bindings, policy.Binding{Resource: resource, Scope: scope, Policies: []string{name}})
	}
	return defs, bindings, brows.Err()
}

// Registry builds the evaluator's policy repository from the stored rows.
func (r *PolicyRepo) Registry(ctx context.Context) (*policy.Registry, error) {
	defs, bindings, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	return policy.NewRegistryFrom(defs, bindings)
}

// Import replaces stored policies, bindings and resources with the document.
func (r *PolicyRepo) Import(ctx context.Context, doc *policy.Document) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from policy_bindings`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from policies`); err != nil {
		return err
	}
	for _, def := range doc.Policies {
		cfg, err := json.Marshal(def.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `insert into policies(name, kind, config) values ($1,$2,$3)`,
			def.Name, def.Kind, cfg); err != nil {
			return err
		}
	}
	for _, b := range doc.Bindings {
		scope := b.Scope
		if scope == "" {
			scope = policy.AnyScope
		}
		for i, name := range b.Policies {
			if _, err := tx.ExecContext(ctx, `
				insert into policy_bindings(resource_id, scope, position, policy_name)
				values ($1,$2,$3,$4)
			`, b.Resource, scope, i, name); err != nil {
				return err
			}
		}
	}
	for _, res := range doc.UMAResources() {
		scopes, err := json.Marshal(nonNil(res.Scopes))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into resources(id, owner, client_id, type, scopes)
			values ($1,$2,$3,$4,$5)
			on conflict (id) do update
			set owner=excluded.owner, client_id=excluded.client_id, type=excluded.type, scopes=excluded.scopes
		`, res.ID, res.Owner, res.ClientID, res.Type, scopes); err != nil {
			return err
		}
	}
	return tx.Commit()
}
