package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"umagate.org/internal/auth"
	"umagate.org/internal/token"
	"umagate.org/internal/uma"
)

// EnvPrefix prefixes every environment override, e.g. UMA_DATABASE_DSN.
const EnvPrefix = "UMA"

type HTTPConfig struct {
	Addr         string  `mapstructure:"addr"`
	GRPCAddr     string  `mapstructure:"grpc_addr"`
	RateBurst    int     `mapstructure:"rate_burst"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`

	// AutoMigrate applies pending migrations at startup. When false the
	// server refuses to start against an outdated schema.
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	MigrationsTable string `mapstructure:"migrations_table"`
}

type TicketConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxIDAttempts int           `mapstructure:"max_id_attempts"`
}

type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type RPTConfig struct {
	Format        string        `mapstructure:"format"`
	TTL           time.Duration `mapstructure:"ttl"`
	Encrypt       bool          `mapstructure:"encrypt"`
	TrackLastUsed bool          `mapstructure:"track_last_used"`
}

type PCTConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// JOSEConfig selects the RPT signing and optional encryption keys.
// Keys are PEM for RS256/ES256/RSA-OAEP-256 and raw secrets otherwise.
type JOSEConfig struct {
	SigningAlg    string `mapstructure:"signing_alg"`
	SigningKey    string `mapstructure:"signing_key"`
	KeyID         string `mapstructure:"key_id"`
	EncryptionAlg string `mapstructure:"encryption_alg"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

type PolicyConfig struct {
	File    string        `mapstructure:"file"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ClaimTokenConfig struct {
	OIDCIssuer   string `mapstructure:"oidc_issuer"`
	OIDCClientID string `mapstructure:"oidc_client_id"`
	JWKSURL      string `mapstructure:"jwks_url"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	JWTIssuer    string `mapstructure:"jwt_issuer"`
}

// ProtectionConfig covers PAT issuance. An empty PATSigningKey reuses the
// HMAC RPT signing key.
type ProtectionConfig struct {
	PATTTL                   time.Duration `mapstructure:"pat_ttl"`
	PATSigningKey            string        `mapstructure:"pat_signing_key"`
	RestrictResourceToClient bool          `mapstructure:"restrict_resource_to_client"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ClientConfig bootstraps a client at startup. Either Secret or SecretHash is set.
type ClientConfig struct {
	ID                 string   `mapstructure:"id"`
	Name               string   `mapstructure:"name"`
	Kind               string   `mapstructure:"kind"`
	Secret             string   `mapstructure:"secret"`
	SecretHash         string   `mapstructure:"secret_hash"`
	ClaimsRedirectURIs []string `mapstructure:"claims_redirect_uris"`
}

// Config is built once at startup and handed to every constructor.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Issuer     string           `mapstructure:"issuer"`
	Ticket     TicketConfig     `mapstructure:"ticket"`
	Session    SessionConfig    `mapstructure:"session"`
	RPT        RPTConfig        `mapstructure:"rpt"`
	PCT        PCTConfig        `mapstructure:"pct"`
	JOSE       JOSEConfig       `mapstructure:"jose"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	ClaimToken ClaimTokenConfig `mapstructure:"claim_token"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Clients    []ClientConfig   `mapstructure:"clients"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.grpc_addr", ":9090")
	v.SetDefault("http.rate_burst", 50)
	v.SetDefault("http.rate_per_sec", 25.0)
	v.SetDefault("http.max_body_bytes", 64<<10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.migrations_table", "schema_migrations")
	v.SetDefault("issuer", "http://localhost:8080")
	v.SetDefault("ticket.ttl", 5*time.Minute)
	v.SetDefault("ticket.max_id_attempts", 5)
	v.SetDefault("session.ttl", 10*time.Minute)
	v.SetDefault("rpt.format", string(uma.FormatReference))
	v.SetDefault("rpt.ttl", 5*time.Minute)
	v.SetDefault("rpt.encrypt", false)
	v.SetDefault("rpt.track_last_used", false)
	v.SetDefault("pct.enabled", false)
	v.SetDefault("pct.ttl", 30*24*time.Hour)
	v.SetDefault("jose.signing_alg", "HS256")
	v.SetDefault("jose.signing_key", "")
	v.SetDefault("jose.key_id", "")
	v.SetDefault("jose.encryption_alg", "")
	v.SetDefault("jose.encryption_key", "")
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.timeout", 2*time.Second)
	v.SetDefault("claim_token.oidc_issuer", "")
	v.SetDefault("claim_token.oidc_client_id", "")
	v.SetDefault("claim_token.jwks_url", "")
	v.SetDefault("claim_token.jwt_secret", "")
	v.SetDefault("claim_token.jwt_issuer", "")
	v.SetDefault("protection.pat_ttl", time.Hour)
	v.SetDefault("protection.pat_signing_key", "")
	v.SetDefault("protection.restrict_resource_to_client", true)
	v.SetDefault("sweeper.interval", time.Minute)
}

// New returns a viper instance with defaults and UMA_ env overrides wired.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) over the defaults, applies env overrides,
// decodes and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	encAlg := ""
	if c.RPT.Encrypt {
		encAlg = c.JOSE.EncryptionAlg
		if encAlg == "" {
			errs = append(errs, errors.New("rpt.encrypt requires jose.encryption_alg"))
		}
	}
	if err := token.ValidateAlgorithms(c.JOSE.SigningAlg, encAlg); err != nil {
		errs = append(errs, err)
	}
	if c.JOSE.SigningKey == "" {
		errs = append(errs, errors.New("jose.signing_key is required"))
	}
	switch uma.TokenFormat(c.RPT.Format) {
	case uma.FormatReference, uma.FormatJWT:
	default:
		errs = append(errs, fmt.Errorf("rpt.format %q: want reference or jwt", c.RPT.Format))
	}
	if c.Ticket.TTL <= 0 || c.RPT.TTL <= 0 || c.Session.TTL <= 0 {
		errs = append(errs, errors.New("ticket.ttl, rpt.ttl and session.ttl must be positive"))
	}
	if c.Ticket.MaxIDAttempts < 1 {
		errs = append(errs, errors.New("ticket.max_id_attempts must be at least 1"))
	}
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if c.PATKey() == "" {
		errs = append(errs, errors.New("protection.pat_signing_key is required unless jose.signing_alg is an HMAC algorithm"))
	}
	seen := map[string]bool{}
	for i, cl := range c.Clients {
		if cl.ID == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: id is required", i))
			continue
		}
		if seen[cl.ID] {
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate id %q", i, cl.ID))
		}
		seen[cl.ID] = true
		switch auth.ClientKind(cl.Kind) {
		case auth.KindResourceServer, auth.KindClient:
		default:
			errs = append(errs, fmt.Errorf("clients[%d]: kind %q: want resource_server or client", i, cl.Kind))
		}
		if cl.Secret == "" && cl.SecretHash == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: secret or secret_hash is required", i))
		}
	}
	return errors.Join(errs...)
}

// CodecConfig maps the JOSE section onto the RPT codec.
func (c *Config) CodecConfig() token.CodecConfig {
	cfg := token.CodecConfig{
		SigningAlg: c.JOSE.SigningAlg,
		SigningKey: []byte(c.JOSE.SigningKey),
		KeyID:      c.JOSE.KeyID,
	}
	if c.RPT.Encrypt {
		cfg.EncryptionAlg = c.JOSE.EncryptionAlg
		cfg.EncryptionKey = []byte(c.JOSE.EncryptionKey)
	}
	return cfg
}

// PATKey returns the PAT signing key: a PEM RSA key or an HMAC secret.
func (c *Config) PATKey() string {
	if k := strings.TrimSpace(c.Protection.PATSigningKey); k != "" {
		return k
	}
	if strings.HasPrefix(c.JOSE.SigningAlg, "HS") {
		return c.JOSE.SigningKey
	}
	return ""
}
