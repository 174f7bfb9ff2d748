package uma

import (
	"context"
	"time"
)

// TicketRepository persists permission tickets.
type TicketRepository interface {
	// Put stores a new ticket. It returns ErrConflict when the ID is taken.
	Put(ctx context.Context, t *PermissionTicket) error
	Get(ctx context.Context, id string) (*PermissionTicket, error)
	// MarkRedeemed atomically moves a ticket from pending to redeemed.
	// It returns ErrNotFound, ErrExpired or ErrAlreadyRedeemed otherwise.
	MarkRedeemed(ctx context.Context, id string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RptRepository persists RPT issuance records.
type RptRepository interface {
	Put(ctx context.Context, rec *RPTRecord) error
	Get(ctx context.Context, id string) (*RPTRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*RPTRecord, error)
	Revoke(ctx context.Context, id string) error
	Supersede(ctx context.Context, id, by string) error
	Touch(ctx context.Context, id string, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ClaimsSessionRepository persists claims-gathering sessions.
type ClaimsSessionRepository interface {
	Put(ctx context.Context, s *ClaimsSession) error
	Get(ctx context.Context, id string) (*ClaimsSession, error)
	GetByTicket(ctx context.Context, ticketID string) (*ClaimsSession, error)
	// Advance applies fn to the stored session under a per-session guard and
	// persists the result unless fn returns an error.
	Advance(ctx context.Context, id string, fn func(*ClaimsSession) error) (*ClaimsSession, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// PCTRepository persists persisted claims tokens.
type PCTRepository interface {
	Put(ctx context.Context, p *PCTRecord) error
	GetByFingerprint(ctx context.Context, fingerprint string) (*PCTRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ResourceRepository resolves resources registered out of band.
type ResourceRepository interface {
	Get(ctx context.Context, id string) (*Resource, error)
}
