package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	StoreDriver           string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	AuditDriver           string        `mapstructure:"AUDIT_DRIVER"`
	AuditDSN              string        `mapstructure:"AUDIT_DSN"`
	AuditBufferSize       int           `mapstructure:"AUDIT_BUFFER_SIZE"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	ConsentSigningKey     string        `mapstructure:"CONSENT_SIGNING_KEY"`
	GatewayBaseURL        string        `mapstructure:"GATEWAY_BASE_URL"`
	GatewayPrivateKeyFile string        `mapstructure:"GATEWAY_PRIVATE_KEY_FILE"`
	GatewayPeerKeyFile    string        `mapstructure:"GATEWAY_PEER_PUBLIC_KEY_FILE"`
	GatewayTimeout        time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	GatewayClientID       string        `mapstructure:"GATEWAY_CLIENT_ID"`
	AIEndpoint            string        `mapstructure:"AI_ENDPOINT"`
	AITimeout             time.Duration `mapstructure:"AI_TIMEOUT"`
	ConsentDuration       time.Duration `mapstructure:"CONSENT_DURATION"`
	AppointmentWindow     time.Duration `mapstructure:"APPOINTMENT_WINDOW"`
	BreakerThreshold      int           `mapstructure:"BREAKER_THRESHOLD"`
	BreakerCooldown       time.Duration `mapstructure:"BREAKER_COOLDOWN"`
	EmergencyCacheTTL     time.Duration `mapstructure:"EMERGENCY_CACHE_TTL"`
	AuditSelfAccess       bool          `mapstructure:"AUDIT_SELF_ACCESS"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUDIT_DRIVER", "AUDIT_DSN", "AUDIT_BUFFER_SIZE",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CONSENT_SIGNING_KEY",
	"GATEWAY_BASE_URL", "GATEWAY_PRIVATE_KEY_FILE", "GATEWAY_PEER_PUBLIC_KEY_FILE", "GATEWAY_TIMEOUT", "GATEWAY_CLIENT_ID",
	"AI_ENDPOINT", "AI_TIMEOUT", "CONSENT_DURATION", "APPOINTMENT_WINDOW",
	"BREAKER_THRESHOLD", "BREAKER_COOLDOWN", "EMERGENCY_CACHE_TTL", "AUDIT_SELF_ACCESS", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "memory")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUDIT_DRIVER", "memory")
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("GATEWAY_TIMEOUT", "5s")
	v.SetDefault("AI_TIMEOUT", "5s")
	v.SetDefault("CONSENT_DURATION", "8760h")
	v.SetDefault("APPOINTMENT_WINDOW", "2h")
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "60s")
	v.SetDefault("EMERGENCY_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesJWT reports whether requests are authenticated with bearer tokens
// rather than the development identity headers.
func (c *Config) UsesJWT() bool {
	return !c.IsDev() || c.AuthIssuer != "" || c.AuthSigningKey != "" || c.AuthJWKSURL != ""
}

// SigningKey decodes CONSENT_SIGNING_KEY. It returns nil when unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.ConsentSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.ConsentSigningKey)
	if err != nil {
		return nil, fmt.Errorf("CONSENT_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("CONSENT_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// AuditDataSource returns the DSN for the audit store, falling back to
// DATABASE_URL for the postgres driver.
func (c *Config) AuditDataSource() string {
	if c.AuditDSN == "" && c.AuditDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.AuditDSN
}

// Validate checks that the configuration is safe to run. Production requires
// real token authentication and an explicit consent signing key.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be \"memory\" or \"postgres\", got %q", c.StoreDriver)
	}

	switch c.AuditDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.AuditDataSource() == "" {
			return fmt.Errorf("AUDIT_DSN is required when AUDIT_DRIVER is %q", c.AuditDriver)
		}
	default:
		return fmt.Errorf("AUDIT_DRIVER must be \"memory\", \"sqlite\", or \"postgres\", got %q", c.AuditDriver)
	}

	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be positive, got %d", c.AuditBufferSize)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive, got %d", c.BreakerThreshold)
	}

	if _, err := c.SigningKey(); err != nil {
		return err
	}
	if c.IsProduction() {
		if c.ConsentSigningKey == "" {
			return fmt.Errorf("CONSENT_SIGNING_KEY is required in production")
		}
		if c.AuthIssuer == "" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set in production")
		}
	}

	if c.GatewayBaseURL != "" && c.GatewayPrivateKeyFile == "" {
		return fmt.Errorf("GATEWAY_PRIVATE_KEY_FILE is required when GATEWAY_BASE_URL is set")
	}
	return nil
}
