package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"umagate.org/internal/ids"
	"umagate.org/internal/obs"
	"umagate.org/internal/uma"
)

const (
	DefaultRPTTTL   = 5 * time.Minute
	referenceBytes  = 32
	TokenTypeBearer = "Bearer"
)

// PermissionClaim is the embedded form of a granted permission.
type PermissionClaim struct {
	ResourceID string   `json:"rsid"`
	Scopes     []string `json:"scopes"`
	Expiry     int64    `json:"exp,omitempty"`
}

// Authorization groups the permissions carried by a self-contained RPT.
type Authorization struct {
	Permissions []PermissionClaim `json:"permissions"`
}

// RPTClaims is the payload of a self-contained RPT.
type RPTClaims struct {
	jwt.RegisteredClaims
	ClientID      string        `json:"azp"`
	Authorization Authorization `json:"authorization"`
}

// Minted is a token value and its pending issuance record.
type Minted struct {
	Value  string
	Record *uma.RPTRecord
}

// Issuer mints RPTs and persists their issuance records.
type Issuer struct {
	codec  *Codec
	rpts   uma.RptRepository
	format uma.TokenFormat
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer) error

func WithFormat(f uma.TokenFormat) IssuerOption {
	return func(i *Issuer) error {
		switch f {
		case uma.FormatReference:
		case uma.FormatJWT:
			if i.codec == nil {
				return fmt.Errorf("token: jwt format requires a codec")
			}
		default:
			return fmt.Errorf("token: unsupported rpt format %q", f)
		}
		i.format = f
		return nil
	}
}

func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if ttl <= 0 {
			return fmt.Errorf("token: ttl must be positive")
		}
		i.ttl = ttl
		return nil
	}
}

func WithIssuerName(iss string) IssuerOption {
	return func(i *Issuer) error {
		i.issuer = iss
		return nil
	}
}

func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if now == nil {
			return fmt.Errorf("token: clock cannot be nil")
		}
		i.now = now
		return nil
	}
}

// NewIssuer builds an issuer. codec may be nil for reference-only deployments.
func NewIssuer(codec *Codec, rpts uma.RptRepository, opts ...IssuerOption) (*Issuer, error) {
	i := &Issuer{
		codec:  codec,
		rpts:   rpts,
		format: uma.FormatReference,
		ttl:    DefaultRPTTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Format() uma.TokenFormat { return i.format }

// Mint produces a token value without persisting anything.
func (i *Issuer) Mint(subject, clientID string, perms []uma.Permission) (*Minted, error) {
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)
	bound := make([]uma.Permission, len(perms))
	for n, p := range perms {
		bound[n] = uma.Permission{ResourceID: p.ResourceID, Scopes: append([]string(nil), p.Scopes...), ExpiresAt: p.ExpiresAt}
		if bound[n].ExpiresAt.IsZero() || bound[n].ExpiresAt.After(exp) {
			bound[n].ExpiresAt = exp
		}
	}
	rec := &uma.RPTRecord{
		ID:          ids.New(),
		Format:      i.format,
		Subject:     subject,
		ClientID:    clientID,
		Permissions: bound,
		IssuedAt:    now,
		ExpiresAt:   exp,
	}

	var value string
	switch i.format {
	case uma.FormatJWT:
		claims := RPTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        rec.ID,
				Issuer:    i.issuer,
				Subject:   subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(exp),
			},
			ClientID: clientID,
		}
		for _, p := range bound {
			claims.Authorization.Permissions = append(claims.Authorization.Permissions, PermissionClaim{
				ResourceID: p.ResourceID,
				Scopes:     p.Scopes,
				Expiry:     p.ExpiresAt.Unix(),
			})
		}
		sealed, err := i.codec.Seal(claims)
		if err != nil {
			return nil, uma.Crypto(err)
		}
		value = sealed
	default:
		secret, err := ids.Secret(referenceBytes)
		if err != nil {
			return nil, uma.Storage("generate reference token", err)
		}
		value = secret
	}
	rec.Fingerprint = Fingerprint(value)
	return &Minted{Value: value, Record: rec}, nil
}

// Record persists the issuance record of a minted token.
func (i *Issuer) Record(ctx context.Context, m *Minted) error {
	if err := i.rpts.Put(ctx, m.Record); err != nil {
		return uma.Storage("record rpt", err)
	}
	obs.RPTIssued(string(m.Record.Format))
	obs.Ctx(ctx).Info().
		Str("rpt", m.Record.ID).
		Str("client", m.Record.ClientID).
		Str("format", string(m.Record.Format)).
		Int("permissions", len(m.Record.Permissions)).
		Msg("rpt.issued")
	return nil
}

// Issue mints and records an RPT.
func (i *Issuer) Issue(ctx context.Context, subject, clientID string, perms []uma.Permission) (*Minted, error) {
	m, err := i.Mint(subject, clientID, perms)
	if err != nil {
		return nil, err
	}
	if err := i.Record(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Supersede marks old as replaced by next.
func (i *Issuer) Supersede(ctx context.Context, old, next string) error {
	if err := i.rpts.Supersede(ctx, old, next); err != nil {
		return uma.Storage("supersede rpt", err)
	}
	obs.Ctx(ctx).Info().Str("rpt", old).Str("superseded_by", next).Msg("rpt.superseded")
	return nil
}
