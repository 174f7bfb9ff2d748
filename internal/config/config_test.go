package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"umagate.org/internal/token"
)

const sample = `
issuer: https://as.example.com
database:
  dsn: postgres://localhost/uma
rpt:
  format: jwt
  ttl: 10m
  encrypt: true
jose:
  signing_alg: HS256
  signing_key: 0123456789abcdef0123456789abcdef
  encryption_alg: A256KW
  encryption_key: abcdef0123456789abcdef0123456789
clients:
  - id: photos
    kind: resource_server
    secret: s3cret
  - id: app
    kind: client
    secret_hash: $2a$10$abc
    claims_redirect_uris: [https://app.example.com/cb]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "umad.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("UMA_TICKET_TTL", "90s")
	t.Setenv("UMA_HTTP_ADDR", ":9999")

	cfg, err := Load(New(), writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Issuer != "https://as.example.com" || cfg.Database.DSN != "postgres://localhost/uma" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Ticket.TTL != 90*time.Second || cfg.HTTP.Addr != ":9999" {
		t.Fatalf("env overrides not applied: ticket.ttl=%s http.addr=%s", cfg.Ticket.TTL, cfg.HTTP.Addr)
	}
	if cfg.RPT.TTL != 10*time.Minute || cfg.Policy.Timeout != 2*time.Second {
		t.Fatalf("durations: rpt.ttl=%s policy.timeout=%s", cfg.RPT.TTL, cfg.Policy.Timeout)
	}
	if len(cfg.Clients) != 2 || cfg.Clients[1].ClaimsRedirectURIs[0] != "https://app.example.com/cb" {
		t.Fatalf("clients: %+v", cfg.Clients)
	}
	cc := cfg.CodecConfig()
	if cc.EncryptionAlg != "A256KW" || len(cc.EncryptionKey) != 32 {
		t.Fatalf("codec config: %+v", cc)
	}
}

func TestDefaultsNeedSigningKey(t *testing.T) {
	if _, err := Load(New(), ""); err == nil {
		t.Fatalf("expected error without jose.signing_key")
	}
	t.Setenv("UMA_JOSE_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPT.Format != "reference" || cfg.Ticket.MaxIDAttempts != 5 || !cfg.Protection.RestrictResourceToClient {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Database.AutoMigrate || cfg.Database.MigrationsTable != "schema_migrations" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cc := cfg.CodecConfig(); cc.EncryptionAlg != "" {
		t.Fatalf("encryption should be off by default")
	}
}

func TestValidateRejectsUnsupportedAlgorithms(t *testing.T) {
	t.Setenv("UMA_JOSE_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("UMA_JOSE_SIGNING_ALG", "none")
	_, err := Load(New(), "")
	if !errors.Is(err, token.ErrUnsupportedAlgorithm) {
		t.Fatalf("expected unsupported algorithm, got %v", err)
	}

	t.Setenv("UMA_JOSE_SIGNING_ALG", "HS256")
	t.Setenv("UMA_RPT_ENCRYPT", "true")
	t.Setenv("UMA_JOSE_ENCRYPTION_ALG", "dir")
	if _, err := Load(New(), ""); !errors.Is(err, token.ErrUnsupportedAlgorithm) {
		t.Fatalf("expected unsupported key encryption, got %v", err)
	}
}

func TestValidateClients(t *testing.T) {
	body := `
jose:
  signing_key: 0123456789abcdef0123456789abcdef
clients:
  - id: a
    kind: robot
    secret: x
  - id: a
    kind: client
`
	_, err := Load(New(), writeConfig(t, body))
	if err == nil {
		t.Fatalf("expected client validation errors")
	}
	for _, want := range []string{`kind "robot"`, `duplicate id "a"`, "secret or secret_hash"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestPATKeyFallback(t *testing.T) {
	t.Setenv("UMA_JOSE_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PATKey() != cfg.JOSE.SigningKey {
		t.Fatalf("hmac signing key should back PATs")
	}

	cfg.JOSE.SigningAlg = "ES256"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "pat_signing_key") {
		t.Fatalf("expected pat_signing_key error, got %v", err)
	}
	cfg.Protection.PATSigningKey = "  pat-secret-pat-secret-pat-secret!!  "
	if cfg.PATKey() != "pat-secret-pat-secret-pat-secret!!" {
		t.Fatalf("explicit key not used: %q", cfg.PATKey())
	}
}
