package token

import (
	"context"
	"errors"
	"time"

	"umagate.org/internal/ids"
	"umagate.org/internal/obs"
	"umagate.org/internal/uma"
)

const DefaultPCTTTL = 30 * 24 * time.Hour

var ErrInvalidPCT = errors.New("token: invalid pct")

// PCTService issues and resolves persisted claims tokens.
type PCTService struct {
	repo uma.PCTRepository
	ttl  time.Duration
	now  func() time.Time
}

func NewPCTService(repo uma.PCTRepository, ttl time.Duration) *PCTService {
	if ttl <= 0 {
		ttl = DefaultPCTTTL
	}
	return &PCTService{repo: repo, ttl: ttl, now: time.Now}
}

// Issue stores claims for clientID and returns the opaque PCT value.
func (s *PCTService) Issue(ctx context.Context, clientID string, claims map[string]any) (string, error) {
	value, err := ids.Secret(referenceBytes)
	if err != nil {
		return "", uma.Storage("generate pct", err)
	}
	now := s.now()
	rec := &uma.PCTRecord{
		Fingerprint: Fingerprint(value),
		ClientID:    clientID,
		Claims:      claims,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.repo.Put(ctx, rec); err != nil {
		return "", uma.Storage("record pct", err)
	}
	obs.Ctx(ctx).Info().Str("client", clientID).Int("claims", len(claims)).Msg("pct.issued")
	return value, nil
}

// Resolve returns the claims bound to value when it belongs to clientID.
func (s *PCTService) Resolve(ctx context.Context, value, clientID string) (map[string]any, error) {
	rec, err := s.repo.GetByFingerprint(ctx, Fingerprint(value))
	if errors.Is(err, uma.ErrNotFound) {
		return nil, ErrInvalidPCT
	}
	if err != nil {
		return nil, uma.Storage("load pct", err)
	}
	if !rec.Valid(s.now()) || rec.ClientID != clientID {
		return nil, ErrInvalidPCT
	}
	return rec.Claims, nil
}
