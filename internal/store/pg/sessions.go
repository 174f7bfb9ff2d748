package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"umagate.org/internal/uma"
)

var _ uma.ClaimsSessionRepository = (*SessionRepo)(nil)

// SessionRepo stores claims-gathering sessions in claims_sessions.
type SessionRepo struct {
	db *sql.DB
}

const sessionColumns = `id, ticket_id, client_id, policy_stack, current_step, required_claims, claims, state, claims_redirect_uri, oauth_state, created_at, expires_at`

func scanSession(row scanner) (*uma.ClaimsSession, error) {
	var (
		s                      uma.ClaimsSession
		stack, required, claim []byte
		state                  string
	)
	if err := row.Scan(&s.ID, &s.TicketID, &s.ClientID, &stack, &s.CurrentStep, &required, &claim,
		&state, &s.ClaimsRedirectURI, &s.OAuthState, &s.CreatedAt, &s.ExpiresAt); err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(stack, &s.PolicyStack); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(required, &s.RequiredClaims); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(claim, &s.Claims); err != nil {
		return nil, err
	}
	if s.Claims == nil {
		s.Claims = map[string]any{}
	}
	s.State = uma.SessionState(state)
	return &s, nil
}

type sessionDoc struct {
	stack, required, claims []byte
}

func encodeSession(s *uma.ClaimsSession) (sessionDoc, error) {
	var (
		doc sessionDoc
		err error
	)
	if doc.stack, err = json.Marshal(nonNil(s.PolicyStack)); err != nil {
		return doc, err
	}
	if doc.required, err = json.Marshal(nonNil(s.RequiredClaims)); err != nil {
		return doc, err
	}
	claims := s.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	doc.claims, err = json.Marshal(claims)
	return doc, err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (r *SessionRepo) Put(ctx context.Context, s *uma.ClaimsSession) error {
	doc, err := encodeSession(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		insert into claims_sessions(`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.TicketID, s.ClientID, doc.stack, s.CurrentStep, doc.required, doc.claims,
		string(s.State), s.ClaimsRedirectURI, s.OAuthState, s.CreatedAt, s.ExpiresAt)
	if isUniqueViolation(err) {
		return uma.ErrConflict
	}
	return err
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*uma.ClaimsSession, error) {
	return scanSession(r.db.QueryRowContext(ctx, `select `+sessionColumns+` from claims_sessions where id=$1`, id))
}

func (r *SessionRepo) GetByTicket(ctx context.Context, ticketID string) (*uma.ClaimsSession, error) {
	return scanSession(r.db.QueryRowContext(ctx, `select `+sessionColumns+` from claims_sessions where ticket_id=$1`, ticketID))
}

// Advance holds the row lock for the duration of fn.
func (r *SessionRepo) Advance(ctx context.Context, id string, fn func(*uma.ClaimsSession) error) (*uma.ClaimsSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanSession(tx.QueryRowContext(ctx, `select `+sessionColumns+` from claims_sessions where id=$1 for update`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	doc, err := encodeSession(s)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		update claims_sessions
		set policy_stack=$2, current_step=$3, required_claims=$4, claims=$5, state=$6,
			claims_redirect_uri=$7, oauth_state=$8, expires_at=$9
		where id=$1
	`, s.ID, doc.stack, s.CurrentStep, doc.required, doc.claims, string(s.State),
		s.ClaimsRedirectURI, s.OAuthState, s.ExpiresAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	return affected(r.db.ExecContext(ctx, `delete from claims_sessions where id=$1`, id))
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return deleted(r.db.ExecContext(ctx, `delete from claims_sessions where expires_at <= $1`, now))
}
