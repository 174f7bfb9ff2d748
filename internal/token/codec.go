package token

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
)

var (
	ErrUnsupportedAlgorithm = errors.New("token: unsupported algorithm")
	ErrInvalidKey           = errors.New("token: invalid key material")
)

// CodecConfig selects algorithms and keys. Keys are PEM for asymmetric
// algorithms and raw bytes for symmetric ones.
type CodecConfig struct {
	SigningAlg    string
	SigningKey    []byte
	KeyID         string
	EncryptionAlg string
	EncryptionKey []byte
}

// Codec signs, verifies, encrypts and decrypts token payloads.
type Codec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string

	keyAlg jwa.KeyEncryptionAlgorithm
	encKey any
	decKey any
}

// ValidateAlgorithms rejects algorithm names the codec cannot serve.
func ValidateAlgorithms(signingAlg, encryptionAlg string) error {
	switch signingAlg {
	case "RS256", "ES256", "HS256":
	default:
		return fmt.Errorf("%w: signing %q", ErrUnsupportedAlgorithm, signingAlg)
	}
	switch encryptionAlg {
	case "", "A128KW", "A256KW", "RSA-OAEP-256":
	default:
		return fmt.Errorf("%w: key encryption %q", ErrUnsupportedAlgorithm, encryptionAlg)
	}
	return nil
}

func NewCodec(cfg CodecConfig) (*Codec, error) {
	if err := ValidateAlgorithms(cfg.SigningAlg, cfg.EncryptionAlg); err != nil {
		return nil, err
	}
	c := &Codec{keyID: cfg.KeyID}
	switch cfg.SigningAlg {
	case "RS256":
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("%w: RS256: %v", ErrInvalidKey, err)
		}
		c.method, c.signKey, c.verifyKey = jwt.SigningMethodRS256, key, &key.PublicKey
	case "ES256":
		key, err := jwt.ParseECPrivateKeyFromPEM(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("%w: ES256: %v", ErrInvalidKey, err)
		}
		if key.Curve.Params().BitSize != 256 {
			return nil, fmt.Errorf("%w: ES256 requires a P-256 key", ErrInvalidKey)
		}
		c.method, c.signKey, c.verifyKey = jwt.SigningMethodES256, key, &key.PublicKey
	case "HS256":
		if len(cfg.SigningKey) < 32 {
			return nil, fmt.Errorf("%w: HS256 secret must be at least 32 bytes", ErrInvalidKey)
		}
		c.method, c.signKey, c.verifyKey = jwt.SigningMethodHS256, cfg.SigningKey, cfg.SigningKey
	}

	switch cfg.EncryptionAlg {
	case "A128KW", "A256KW":
		want := 16
		c.keyAlg = jwa.A128KW
		if cfg.EncryptionAlg == "A256KW" {
			want, c.keyAlg = 32, jwa.A256KW
		}
		if len(cfg.EncryptionKey) != want {
			return nil, fmt.Errorf("%w: %s requires a %d byte key", ErrInvalidKey, cfg.EncryptionAlg, want)
		}
		c.encKey, c.decKey = cfg.EncryptionKey, cfg.EncryptionKey
	case "RSA-OAEP-256":
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: RSA-OAEP-256: %v", ErrInvalidKey, err)
		}
		c.keyAlg, c.encKey, c.decKey = jwa.RSA_OAEP_256, &key.PublicKey, key
	}
	return c, nil
}

// Encrypting reports whether signed tokens are wrapped in JWE.
func (c *Codec) Encrypting() bool { return c.encKey != nil }

// SigningAlg returns the JWS algorithm name.
func (c *Codec) SigningAlg() string { return c.method.Alg() }

// PublicKey returns the verification key for asymmetric algorithms, else nil.
func (c *Codec) PublicKey() any {
	switch k := c.verifyKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return k
	default:
		return nil
	}
}

// Sign serialises claims as a compact JWS.
func (c *Codec) Sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(c.method, claims)
	if c.keyID != "" {
		tok.Header["kid"] = c.keyID
	}
	signed, err := tok.SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of a compact JWS and decodes it into claims.
// Time-based claims are left to the caller.
func (c *Codec) Verify(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.verifyKey, nil
	}, jwt.WithValidMethods([]string{c.method.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("token: verify: %w", err)
	}
	return nil
}

// Encrypt wraps payload in a compact JWE using A256GCM content encryption.
func (c *Codec) Encrypt(payload []byte) (string, error) {
	if c.encKey == nil {
		return "", fmt.Errorf("%w: encryption not configured", ErrUnsupportedAlgorithm)
	}
	out, err := jwe.Encrypt(payload, jwe.WithKey(c.keyAlg, c.encKey), jwe.WithContentEncryption(jwa.A256GCM))
	if err != nil {
		return "", fmt.Errorf("token: encrypt: %w", err)
	}
	return string(out), nil
}

// Decrypt opens a compact JWE produced by Encrypt.
func (c *Codec) Decrypt(token string) ([]byte, error) {
	if c.decKey == nil {
		return nil, fmt.Errorf("%w: encryption not configured", ErrUnsupportedAlgorithm)
	}
	out, err := jwe.Decrypt([]byte(token), jwe.WithKey(c.keyAlg, c.decKey))
	if err != nil {
		return nil, fmt.Errorf("token: decrypt: %w", err)
	}
	return out, nil
}

// Seal signs claims and encrypts the result when encryption is configured.
func (c *Codec) Seal(claims jwt.Claims) (string, error) {
	signed, err := c.Sign(claims)
	if err != nil || !c.Encrypting() {
		return signed, err
	}
	return c.Encrypt([]byte(signed))
}

// Open reverses Seal: a five-part value is decrypted before verification.
func (c *Codec) Open(token string, claims jwt.Claims) error {
	if strings.Count(token, ".") == 4 {
		inner, err := c.Decrypt(token)
		if err != nil {
			return err
		}
		token = string(inner)
	}
	return c.Verify(token, claims)
}
