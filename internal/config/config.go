// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SessionStorePostgres = "postgres"
	SessionStoreMongo    = "mongo"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr serves the action-link capture endpoint, /metrics and health routes.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// TrustedProxies is a comma-separated list of CIDRs whose forwarding headers carry the client IP.
	// Empty means the peer address is always the client IP.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// DatabaseURL is the Postgres DSN for accounts, audit logs and (by default) sessions and action tokens.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SessionStore selects where sessions and action tokens live: "postgres" or "mongo".
	SessionStore string `mapstructure:"SESSION_STORE"`
	// MongoURI is the MongoDB connection string; required when SessionStore is "mongo".
	MongoURI string `mapstructure:"MONGO_URI"`
	// MongoDatabase is the database holding the sessions and action_tokens collections.
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	// RedisAddr is the revocation cache address. Empty selects an in-process cache (development only).
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "campus-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "campus-api"). Action links use a derived audience.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// ActionLinkTTLRaw is the lifetime of emailed action links (e.g. "30m").
	ActionLinkTTLRaw string `mapstructure:"ACTION_LINK_TTL"`
	// ActionLinkBaseURL is the public URL of the capture endpoint; the token is added as ?token=.
	ActionLinkBaseURL string `mapstructure:"ACTION_LINK_BASE_URL"`
	// RevocationTTLFloorRaw is the minimum lifetime of a denylist entry (e.g. "60s").
	RevocationTTLFloorRaw string `mapstructure:"REVOCATION_TTL_FLOOR"`

	// GeoLookupURL is the ipwho.is compatible lookup endpoint.
	GeoLookupURL string `mapstructure:"GEO_LOOKUP_URL"`
	// GeoTimeoutRaw bounds one geo lookup (e.g. "2s").
	GeoTimeoutRaw string `mapstructure:"GEO_TIMEOUT"`
	// GeoRatePerSec caps outbound geo lookups per second.
	GeoRatePerSec float64 `mapstructure:"GEO_RATE_PER_SEC"`

	// NotifyTimeoutRaw bounds one notification publish (e.g. "3s").
	NotifyTimeoutRaw string `mapstructure:"NOTIFY_TIMEOUT"`
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	// When empty, security events are emitted as OpenTelemetry log records instead.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// NotifyKafkaTopic is the Kafka topic for notification events.
	NotifyKafkaTopic string `mapstructure:"NOTIFY_KAFKA_TOPIC"`
	// NotifyParkTopic receives notification events the worker could not deliver. Empty stops the
	// worker on an undeliverable event instead.
	NotifyParkTopic string `mapstructure:"NOTIFY_PARK_TOPIC"`
	// KafkaGroupID is the consumer group ID for the notification worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the notification worker pushes delivered alerts (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// PolicyFile optionally overrides the built-in Rego login policy.
	PolicyFile string `mapstructure:"POLICY_FILE"`

	// OTelEndpoint is the OTLP gRPC collector endpoint (e.g. localhost:4317). Empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure disables TLS to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSION_STORE", SessionStorePostgres)
	v.SetDefault("MONGO_URI", "")
	v.SetDefault("MONGO_DATABASE", "campus_auth")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "campus-auth")
	v.SetDefault("JWT_AUDIENCE", "campus-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("ACTION_LINK_TTL", "30m")
	v.SetDefault("ACTION_LINK_BASE_URL", "http://localhost:8081/action/capture")
	v.SetDefault("REVOCATION_TTL_FLOOR", "60s")
	v.SetDefault("GEO_LOOKUP_URL", "https://ipwho.is")
	v.SetDefault("GEO_TIMEOUT", "2s")
	v.SetDefault("GEO_RATE_PER_SEC", 5)
	v.SetDefault("NOTIFY_TIMEOUT", "3s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("NOTIFY_KAFKA_TOPIC", "campus-auth-notifications")
	v.SetDefault("NOTIFY_PARK_TOPIC", "campus-auth-notifications-parked")
	v.SetDefault("KAFKA_GROUP_ID", "campus-auth-notify-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("TRUSTED_PROXIES", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	switch cfg.SessionStore {
	case SessionStorePostgres:
	case SessionStoreMongo:
		if cfg.MongoURI == "" {
			return nil, errors.New("config: MONGO_URI must be set when SESSION_STORE=mongo")
		}
	default:
		return nil, errors.New("config: SESSION_STORE must be postgres or mongo")
	}

	if cfg.IsProduction() && cfg.RedisAddr == "" {
		return nil, errors.New("config: REDIS_ADDR must be set when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.GeoRatePerSec <= 0 {
		return nil, errors.New("config: GEO_RATE_PER_SEC must be positive")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// ActionLinkTTL returns 30m if unset or invalid.
func (c *Config) ActionLinkTTL() time.Duration {
	return parseDuration(c.ActionLinkTTLRaw, 30*time.Minute)
}

// RevocationTTLFloor returns 60s if unset or invalid.
func (c *Config) RevocationTTLFloor() time.Duration {
	return parseDuration(c.RevocationTTLFloorRaw, 60*time.Second)
}

// GeoTimeout returns 2s if unset or invalid.
func (c *Config) GeoTimeout() time.Duration {
	return parseDuration(c.GeoTimeoutRaw, 2*time.Second)
}

// NotifyTimeout returns 3s if unset or invalid.
func (c *Config) NotifyTimeout() time.Duration {
	return parseDuration(c.NotifyTimeoutRaw, 3*time.Second)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka publisher is enabled (non-empty list).
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
