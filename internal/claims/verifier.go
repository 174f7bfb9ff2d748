package claims

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Claim token formats accepted at the token endpoint.
const (
	FormatIDToken = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"
	FormatJWT     = "urn:ietf:params:oauth:token-type:jwt"
)

var ErrUnsupportedFormat = errors.New("claims: unsupported claim token format")

// Verifier turns a presented claim token into verified claims.
type Verifier interface {
	Format() string
	Verify(ctx context.Context, token string) (map[string]any, error)
}

// Verifiers dispatches by claim_token_format.
type Verifiers map[string]Verifier

func NewVerifiers(vs ...Verifier) Verifiers {
	out := make(Verifiers, len(vs))
	for _, v := range vs {
		out[v.Format()] = v
	}
	return out
}

// Formats lists the supported formats.
func (v Verifiers) Formats() []string {
	out := make([]string, 0, len(v))
	for _, f := range []string{FormatIDToken, FormatJWT} {
		if _, ok := v[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (v Verifiers) Verify(ctx context.Context, format, token string) (map[string]any, error) {
	verifier, ok := v[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return verifier.Verify(ctx, token)
}

// OIDCVerifier accepts OpenID Connect ID tokens.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuerURL, or uses jwksURL directly when set.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, jwksURL string) (*OIDCVerifier, error) {
	cfg := &oidc.Config{ClientID: clientID, SkipClientIDCheck: clientID == ""}
	if jwksURL != "" {
		return NewOIDCVerifierWithKeySet(issuerURL, oidc.NewRemoteKeySet(ctx, jwksURL), cfg), nil
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("claims: discover oidc issuer %s: %w", issuerURL, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(cfg)}, nil
}

func NewOIDCVerifierWithKeySet(issuerURL string, keys oidc.KeySet, cfg *oidc.Config) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuerURL, keys, cfg)}
}

func (v *OIDCVerifier) Format() string { return FormatIDToken }

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (map[string]any, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("claims: id token: %w", err)
	}
	var out map[string]any
	if err := idToken.Claims(&out); err != nil {
		return nil, fmt.Errorf("claims: id token claims: %w", err)
	}
	return out, nil
}

// JWTVerifier accepts HS256 signed JWTs issued by a trusted claims provider.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

func (v *JWTVerifier) Format() string { return FormatJWT }

func (v *JWTVerifier) Verify(_ context.Context, token string) (map[string]any, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("claims: jwt: %w", err)
	}
	return map[string]any(claims), nil
}
