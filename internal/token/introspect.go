package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"umagate.org/internal/obs"
	"umagate.org/internal/uma"
)

const maxTokenLength = 16 << 10

// Result is the outcome of introspection. Inactive results carry no other fields.
type Result struct {
	Active      bool
	TokenID     string
	Subject     string
	ClientID    string
	Permissions []uma.Permission
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

var errInactive = errors.New("token: inactive")

// Introspector validates presented RPTs for resource servers.
type Introspector struct {
	codec     *Codec
	rpts      uma.RptRepository
	trackUsed bool
	now       func() time.Time
}

func NewIntrospector(codec *Codec, rpts uma.RptRepository, trackLastUsed bool) *Introspector {
	return &Introspector{codec: codec, rpts: rpts, trackUsed: trackLastUsed, now: time.Now}
}

// WithClock returns a copy using now as time source.
func (in *Introspector) WithClock(now func() time.Time) *Introspector {
	out := *in
	out.now = now
	return &out
}

// Introspect returns the bound permissions of an active token. Every failure,
// storage included, collapses to an inactive result.
func (in *Introspector) Introspect(ctx context.Context, value string) Result {
	res, err := in.Inspect(ctx, value)
	if err != nil {
		obs.Ctx(ctx).Warn().Err(err).Msg("introspect.storage_failed")
		return Result{}
	}
	return res
}

// Inspect is Introspect for callers that must tell a storage outage from an
// inactive token. Invalid, revoked, expired and unknown tokens are an
// inactive result with a nil error; the cause is only logged.
func (in *Introspector) Inspect(ctx context.Context, value string) (Result, error) {
	rec, stage, err := in.resolve(ctx, value)
	if err != nil && stage == "record" && !errors.Is(err, uma.ErrNotFound) && !errors.Is(err, errInactive) {
		return Result{}, uma.Storage("load rpt", err)
	}
	if err == nil && !rec.Active(in.now()) {
		stage, err = "state", errInactive
	}
	if err != nil {
		obs.Ctx(ctx).Debug().Err(err).Str("stage", stage).Msg("introspect.inactive")
		obs.Introspection(false)
		return Result{}, nil
	}
	if in.trackUsed {
		if err := in.rpts.Touch(ctx, rec.ID, in.now()); err != nil {
			obs.Ctx(ctx).Warn().Err(err).Str("rpt", rec.ID).Msg("introspect.touch_failed")
		}
	}
	obs.Introspection(true)
	return Result{
		Active:      true,
		TokenID:     rec.ID,
		Subject:     rec.Subject,
		ClientID:    rec.ClientID,
		Permissions: activePermissions(rec.Permissions, in.now()),
		IssuedAt:    rec.IssuedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func activePermissions(perms []uma.Permission, now time.Time) []uma.Permission {
	out := make([]uma.Permission, 0, len(perms))
	for _, p := range perms {
		if p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt) {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the issuance record of an active token.
func (in *Introspector) Lookup(ctx context.Context, value string) (*uma.RPTRecord, error) {
	rec, _, err := in.resolve(ctx, value)
	if err != nil {
		return nil, err
	}
	if !rec.Active(in.now()) {
		return nil, errInactive
	}
	return rec, nil
}

// Revoke marks a token revoked. Unknown or invalid tokens are ignored.
func (in *Introspector) Revoke(ctx context.Context, value string) error {
	rec, stage, err := in.resolve(ctx, value)
	if err != nil {
		if stage == "record" && !errors.Is(err, uma.ErrNotFound) && !errors.Is(err, errInactive) {
			return uma.Storage("load rpt", err)
		}
		obs.Ctx(ctx).Debug().Err(err).Str("stage", stage).Msg("revoke.ignored")
		return nil
	}
	if err := in.rpts.Revoke(ctx, rec.ID); err != nil && !errors.Is(err, uma.ErrNotFound) {
		return uma.Storage("revoke rpt", err)
	}
	obs.Ctx(ctx).Info().Str("rpt", rec.ID).Msg("rpt.revoked")
	return nil
}

// resolve runs the syntax, crypto and record stages.
func (in *Introspector) resolve(ctx context.Context, value string) (*uma.RPTRecord, string, error) {
	value = strings.TrimSpace(value)
	dots := strings.Count(value, ".")
	if value == "" || len(value) > maxTokenLength || strings.ContainsAny(value, " \t\r\n") {
		return nil, "syntax", errInactive
	}
	fp := Fingerprint(value)

	switch dots {
	case 0:
		rec, err := in.rpts.GetByFingerprint(ctx, fp)
		if err != nil {
			return nil, "record", err
		}
		if rec.Format != uma.FormatReference {
			return nil, "record", errInactive
		}
		return rec, "", nil
	case 2, 4:
		if in.codec == nil {
			return nil, "crypto", errInactive
		}
		var claims RPTClaims
		if err := in.codec.Open(value, &claims); err != nil {
			return nil, "crypto", uma.Crypto(err)
		}
		if claims.ID == "" {
			return nil, "crypto", errInactive
		}
		rec, err := in.rpts.Get(ctx, claims.ID)
		if err != nil {
			return nil, "record", err
		}
		if rec.Fingerprint != fp {
			return nil, "record", errInactive
		}
		return rec, "", nil
	default:
		return nil, "syntax", errInactive
	}
}
