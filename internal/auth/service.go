package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultPATTTL = time.Hour

// Service authenticates clients and issues protection API tokens (PATs).
type Service struct {
	clients ClientStore
	now     func() time.Time

	hmacSecret []byte
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
	patTTL     time.Duration
}

// PATClaims are the claims of a protection API token.
type PATClaims struct {
	jwt.RegisteredClaims
	Scope     string `json:"scope"`
	TokenType string `json:"token_type"`
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHMACSecret signs PATs with HS256.
func WithHMACSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if len(secret) < 32 {
			return errors.New("auth: hmac secret must be at least 32 bytes")
		}
		s.hmacSecret = []byte(secret)
		return nil
	}
}

// WithRS256Key signs PATs with the given PEM encoded RSA private key.
func WithRS256Key(privatePEM string) ServiceOption {
	return func(s *Service) error {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.TrimSpace(privatePEM)))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		s.privateKey = key
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithPATTTL configures PAT lifetime.
func WithPATTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.patTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(clients ClientStore, opts ...ServiceOption) (*Service, error) {
	svc := &Service{
		clients: clients,
		now:     time.Now,
		patTTL:  defaultPATTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.privateKey == nil && len(svc.hmacSecret) == 0 {
		return nil, errors.New("auth: a signing key is required")
	}
	return svc, nil
}

// Clients exposes the client registry.
func (s *Service) Clients() ClientStore { return s.clients }

// RegisterClient stores a client, hashing its plaintext secret.
func (s *Service) RegisterClient(ctx context.Context, c *Client, secret string) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	switch c.Kind {
	case KindResourceServer, KindClient:
	case "":
		c.Kind = KindClient
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidInput, c.Kind)
	}
	if c.SecretHash == "" {
		hash, err := HashSecret(secret)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		c.SecretHash = hash
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	return s.clients.Create(ctx, c)
}

// Client loads an enabled client.
func (s *Service) Client(ctx context.Context, id string) (*Client, error) {
	c, err := s.clients.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Disabled {
		return nil, ErrDisabled
	}
	return c, nil
}

// AuthenticateClient verifies client credentials. Unknown clients and wrong
// secrets are both reported as ErrUnauthorized.
func (s *Service) AuthenticateClient(ctx context.Context, id, secret string) (*Client, error) {
	id = strings.TrimSpace(id)
	if id == "" || secret == "" {
		return nil, ErrUnauthorized
	}
	c, err := s.clients.Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if err := VerifySecret(c.SecretHash, secret); err != nil {
		return nil, ErrUnauthorized
	}
	if c.Disabled {
		return nil, ErrDisabled
	}
	return c, nil
}

// PAT is an issued protection API token.
type PAT struct {
	Token     string
	Scope     string
	ExpiresAt time.Time
}

// IssuePAT mints a protection API token for a resource server.
func (s *Service) IssuePAT(_ context.Context, c *Client) (PAT, error) {
	if c.Kind != KindResourceServer {
		return PAT{}, ErrUnauthorized
	}
	now := s.now().UTC()
	exp := now.Add(s.patTTL)
	claims := PATClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   c.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scope:     ScopeProtection,
		TokenType: "pat",
	}
	method, key := s.signer()
	tok := jwt.NewWithClaims(method, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		return PAT{}, fmt.Errorf("sign pat: %w", err)
	}
	return PAT{Token: signed, Scope: ScopeProtection, ExpiresAt: exp}, nil
}

func (s *Service) signer() (jwt.SigningMethod, any) {
	if s.privateKey != nil {
		return jwt.SigningMethodRS256, s.privateKey
	}
	return jwt.SigningMethodHS256, s.hmacSecret
}

// AuthenticatePAT validates a PAT and returns the resource server principal.
func (s *Service) AuthenticatePAT(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	method, _ := s.signer()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims PATClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		if s.privateKey != nil {
			return &s.privateKey.PublicKey, nil
		}
		return s.hmacSecret, nil
	}, opts...)
	if err != nil || claims.TokenType != "pat" || claims.Scope != ScopeProtection {
		return Principal{}, ErrInvalidToken
	}
	c, err := s.clients.Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrInvalidToken
	}
	if err != nil {
		return Principal{}, err
	}
	if c.Disabled {
		return Principal{}, ErrDisabled
	}
	return Principal{ClientID: c.ID, Kind: c.Kind, Scopes: strings.Fields(claims.Scope)}, nil
}

// ResolveClaimsRedirect checks a requested claims_redirect_uri against the
// client's registered ones. An empty request falls back to a single
// registered URI.
func ResolveClaimsRedirect(c *Client, requested string) (string, error) {
	if requested == "" {
		if len(c.ClaimsRedirectURIs) == 1 {
			return c.ClaimsRedirectURIs[0], nil
		}
		return "", nil
	}
	for _, uri := range c.ClaimsRedirectURIs {
		if uri == requested {
			return uri, nil
		}
	}
	return "", fmt.Errorf("%w: claims_redirect_uri not registered", ErrInvalidInput)
}
