package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testSecret = "pat-signing-secret-0123456789abcdef"

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithHMACSecret(testSecret), WithIssuer("https://as.example")}, opts...)
	svc, err := NewService(NewMemoryClientStore(), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestAuthenticateClient(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	rs := &Client{ID: "rs-1", Name: "photos", Kind: KindResourceServer}
	if err := svc.RegisterClient(ctx, rs, "s3cret"); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if rs.SecretHash == "" || rs.SecretHash == "s3cret" {
		t.Fatalf("secret was not hashed")
	}
	if _, err := svc.AuthenticateClient(ctx, "rs-1", "s3cret"); err != nil {
		t.Fatalf("AuthenticateClient: %v", err)
	}
	if _, err := svc.AuthenticateClient(ctx, "rs-1", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.AuthenticateClient(ctx, "ghost", "s3cret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown client, got %v", err)
	}
	if err := svc.Clients().SetDisabled(ctx, "rs-1", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if _, err := svc.AuthenticateClient(ctx, "rs-1", "s3cret"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
	if err := svc.RegisterClient(ctx, &Client{ID: "rs-1"}, "x"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestPATRoundTrip(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, WithClock(func() time.Time { return now }), WithPATTTL(time.Minute))
	ctx := context.Background()
	rs := &Client{ID: "rs-1", Kind: KindResourceServer}
	if err := svc.RegisterClient(ctx, rs, "s3cret"); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	pat, err := svc.IssuePAT(ctx, rs)
	if err != nil {
		t.Fatalf("IssuePAT: %v", err)
	}
	principal, err := svc.AuthenticatePAT(ctx, pat.Token)
	if err != nil {
		t.Fatalf("AuthenticatePAT: %v", err)
	}
	if principal.ClientID != "rs-1" || !principal.HasScope(ScopeProtection) {
		t.Fatalf("unexpected principal %+v", principal)
	}

	now = now.Add(2 * time.Minute)
	if _, err := svc.AuthenticatePAT(ctx, pat.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired pat to fail, got %v", err)
	}
}

func TestIssuePATRequiresResourceServer(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.IssuePAT(context.Background(), &Client{ID: "c", Kind: KindClient}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAuthenticatePATRejectsForeignTokens(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService(NewMemoryClientStore(), WithHMACSecret("another-signing-secret-0123456789ab"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rs := &Client{ID: "rs", Kind: KindResourceServer}
	_ = other.RegisterClient(context.Background(), rs, "x")
	pat, _ := other.IssuePAT(context.Background(), rs)
	if _, err := svc.AuthenticatePAT(context.Background(), pat.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticatePAT(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for empty value, got %v", err)
	}
}

func TestResolveClaimsRedirect(t *testing.T) {
	single := &Client{ClaimsRedirectURIs: []string{"https://app.example/cb"}}
	if got, err := ResolveClaimsRedirect(single, ""); err != nil || got != "https://app.example/cb" {
		t.Fatalf("expected implied uri, got %q %v", got, err)
	}
	multi := &Client{ClaimsRedirectURIs: []string{"https://a/cb", "https://b/cb"}}
	if got, _ := ResolveClaimsRedirect(multi, ""); got != "" {
		t.Fatalf("ambiguous uri must not be implied, got %q", got)
	}
	if got, err := ResolveClaimsRedirect(multi, "https://b/cb"); err != nil || got != "https://b/cb" {
		t.Fatalf("expected match, got %q %v", got, err)
	}
	if _, err := ResolveClaimsRedirect(multi, "https://evil/cb"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewServiceRequiresKey(t *testing.T) {
	if _, err := NewService(NewMemoryClientStore()); err == nil {
		t.Fatalf("expected error without signing key")
	}
	if _, err := NewService(NewMemoryClientStore(), WithHMACSecret("short")); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{ClientID: "rs"})
	if p, ok := PrincipalFromContext(ctx); !ok || p.ClientID != "rs" {
		t.Fatalf("principal not stored")
	}
	if _, ok := ClientFromContext(ctx); ok {
		t.Fatalf("client should be absent")
	}
	ctx = ContextWithClient(ctx, &Client{ID: "c"})
	if c, ok := ClientFromContext(ctx); !ok || c.ID != "c" {
		t.Fatalf("client not stored")
	}
}
