package uma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"umagate.org/internal/ids"
)

const (
	DefaultTicketTTL        = 5 * time.Minute
	DefaultTicketIDAttempts = 5
	ticketIDBytes           = 24
)

// TicketStore allocates ticket identifiers and hides expiry from readers.
type TicketStore struct {
	repo        TicketRepository
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	newID       func() (string, error)
}

// TicketStoreOption customises a TicketStore.
type TicketStoreOption func(*TicketStore)

// WithTicketTTL sets the lifetime of new tickets.
func WithTicketTTL(ttl time.Duration) TicketStoreOption {
	return func(s *TicketStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxIDAttempts bounds identifier regeneration on collision.
func WithMaxIDAttempts(n int) TicketStoreOption {
	return func(s *TicketStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTicketClock overrides the time source.
func WithTicketClock(now func() time.Time) TicketStoreOption {
	return func(s *TicketStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTicketIDGenerator overrides identifier generation.
func WithTicketIDGenerator(gen func() (string, error)) TicketStoreOption {
	return func(s *TicketStore) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func NewTicketStore(repo TicketRepository, opts ...TicketStoreOption) *TicketStore {
	s := &TicketStore{
		repo:        repo,
		ttl:         DefaultTicketTTL,
		maxAttempts: DefaultTicketIDAttempts,
		now:         time.Now,
		newID:       func() (string, error) { return ids.Secret(ticketIDBytes) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured ticket lifetime.
func (s *TicketStore) TTL() time.Duration { return s.ttl }

// Put stores a new pending ticket for perms and returns it with its fresh ID.
func (s *TicketStore) Put(ctx context.Context, perms []PermissionRequest, resourceServer, clientID string) (*PermissionTicket, error) {
	now := s.now()
	t := &PermissionTicket{
		Permissions:    perms,
		ResourceServer: resourceServer,
		ClientID:       clientID,
		State:          TicketPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(s.maxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		id, err := s.newID()
		if err != nil {
			return backoff.Permanent(err)
		}
		t.ID = id
		err = s.repo.Put(ctx, t)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, ErrConflict):
		return nil, Storage("allocate ticket", ErrStorageExhausted)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, Storage("store ticket", err)
	}
}

// Get returns a ticket. Expired tickets are indistinguishable from absent ones.
func (s *TicketStore) Get(ctx context.Context, id string) (*PermissionTicket, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == TicketExpired || t.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return t, nil
}

// MarkRedeemed performs the pending to redeemed compare-and-set.
func (s *TicketStore) MarkRedeemed(ctx context.Context, id string) error {
	if err := s.repo.MarkRedeemed(ctx, id, s.now()); err != nil {
		return fmt.Errorf("redeem ticket: %w", err)
	}
	return nil
}
