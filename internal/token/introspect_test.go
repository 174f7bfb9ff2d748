package token

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"umagate.org/internal/uma"
)

func sortedPerms(in []uma.Permission) []string {
	var out []string
	for _, p := range in {
		scopes := slices.Clone(p.Scopes)
		slices.Sort(scopes)
		out = append(out, p.ResourceID+":"+strings.Join(scopes, ","))
	}
	slices.Sort(out)
	return out
}

func newPair(t *testing.T, format uma.TokenFormat, cfg *CodecConfig) (*Issuer, *Introspector, *uma.MemoryStore) {
	t.Helper()
	store := uma.NewMemoryStore()
	var codec *Codec
	if cfg != nil {
		c, err := NewCodec(*cfg)
		if err != nil {
			t.Fatalf("codec: %v", err)
		}
		codec = c
	}
	iss, err := NewIssuer(codec, store.RPTs(), WithFormat(format), WithTTL(time.Minute), WithIssuerName("https://as.example"))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return iss, NewIntrospector(codec, store.RPTs(), true), store
}

var granted = []uma.Permission{
	{ResourceID: "photo-album-1", Scopes: []string{"view", "edit"}},
	{ResourceID: "doc-7", Scopes: []string{"read"}},
}

func TestIssueIntrospectRoundTrip(t *testing.T) {
	configs := map[string]struct {
		format uma.TokenFormat
		cfg    *CodecConfig
	}{
		"reference": {uma.FormatReference, nil},
		"jws":       {uma.FormatJWT, &CodecConfig{SigningAlg: "HS256", SigningKey: hsSecret}},
		"jwe":       {uma.FormatJWT, &CodecConfig{SigningAlg: "HS256", SigningKey: hsSecret, EncryptionAlg: "A256KW", EncryptionKey: hsSecret}},
	}
	for name, c := range configs {
		iss, in, store := newPair(t, c.format, c.cfg)
		m, err := iss.Issue(context.Background(), "alice", "client-1", granted)
		if err != nil {
			t.Fatalf("%s: issue: %v", name, err)
		}
		res := in.Introspect(context.Background(), m.Value)
		if !res.Active || res.Subject != "alice" || res.ClientID != "client-1" {
			t.Fatalf("%s: expected active result, got %+v", name, res)
		}
		if !reflect.DeepEqual(sortedPerms(res.Permissions), sortedPerms(granted)) {
			t.Fatalf("%s: permissions mismatch %v", name, res.Permissions)
		}
		rec, _ := store.RPTs().Get(context.Background(), m.Record.ID)
		if rec.LastUsedAt.IsZero() {
			t.Fatalf("%s: last used not tracked", name)
		}
	}
}

func TestIntrospectHidesFailureCause(t *testing.T) {
	cfg := &CodecConfig{SigningAlg: "HS256", SigningKey: hsSecret}
	iss, in, _ := newPair(t, uma.FormatJWT, cfg)
	ctx := context.Background()

	revoked, _ := iss.Issue(ctx, "alice", "c", granted)
	if err := in.Revoke(ctx, revoked.Value); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	expiring, _ := iss.Issue(ctx, "alice", "c", granted)
	future := in.WithClock(func() time.Time { return time.Now().Add(time.Hour) })

	unrecorded, _ := iss.Mint("alice", "c", granted)

	cases := map[string]struct {
		in    *Introspector
		value string
	}{
		"malformed":   {in, "not a token"},
		"garbage jws": {in, "a.b.c"},
		"revoked":     {in, revoked.Value},
		"expired":     {future, expiring.Value},
		"never":       {in, unrecorded.Value},
		"unknown ref": {in, "c29tZS1yYW5kb20tcmVmZXJlbmNl"},
	}
	for name, c := range cases {
		res := c.in.Introspect(ctx, c.value)
		if !reflect.DeepEqual(res, Result{}) {
			t.Fatalf("%s: expected bare inactive result, got %+v", name, res)
		}
	}
}

func TestSupersededTokenInactive(t *testing.T) {
	iss, in, _ := newPair(t, uma.FormatReference, nil)
	ctx := context.Background()
	old, _ := iss.Issue(ctx, "alice", "c", granted[:1])
	next, _ := iss.Issue(ctx, "alice", "c", granted)
	if err := iss.Supersede(ctx, old.Record.ID, next.Record.ID); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if in.Introspect(ctx, old.Value).Active {
		t.Fatalf("superseded token must be inactive")
	}
	if !in.Introspect(ctx, next.Value).Active {
		t.Fatalf("new token must be active")
	}
	if _, err := in.Lookup(ctx, old.Value); err == nil {
		t.Fatalf("lookup of superseded token should fail")
	}
}

func TestRevokeUnknownIsNoop(t *testing.T) {
	_, in, _ := newPair(t, uma.FormatReference, nil)
	if err := in.Revoke(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
}

func TestPCTService(t *testing.T) {
	store := uma.NewMemoryStore()
	svc := NewPCTService(store.PCTs(), time.Hour)
	ctx := context.Background()
	value, err := svc.Issue(ctx, "client-1", map[string]any{"age": 25})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Resolve(ctx, value, "client-1")
	if err != nil || claims["age"] != 25 {
		t.Fatalf("resolve: %v %v", claims, err)
	}
	if _, err := svc.Resolve(ctx, value, "client-2"); err != ErrInvalidPCT {
		t.Fatalf("expected invalid pct for other client, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "bogus", "client-1"); err != ErrInvalidPCT {
		t.Fatalf("expected invalid pct, got %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	if Fingerprint("x") != Fingerprint("x") || Fingerprint("x") == Fingerprint("y") || len(Fingerprint("x")) != 64 {
		t.Fatalf("unexpected fingerprint behaviour")
	}
}

type brokenRPTs struct {
	uma.RptRepository
}

func (brokenRPTs) GetByFingerprint(context.Context, string) (*uma.RPTRecord, error) {
	return nil, errors.New("connection reset")
}

func TestInspectSurfacesStorageFailure(t *testing.T) {
	iss, _, store := newPair(t, uma.FormatReference, nil)
	m, err := iss.Issue(context.Background(), "alice", "client-1", granted)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	in := NewIntrospector(nil, brokenRPTs{store.RPTs()}, false)
	_, err = in.Inspect(context.Background(), m.Value)
	if e, ok := uma.AsError(err); !ok || e.Kind != uma.KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
	if in.Introspect(context.Background(), m.Value).Active {
		t.Fatalf("introspect must fail closed")
	}

	res, err := NewIntrospector(nil, store.RPTs(), false).Inspect(context.Background(), "never-issued")
	if err != nil || res.Active {
		t.Fatalf("unknown token must be inactive without error: %+v %v", res, err)
	}
}
