// Package config holds the relay's runtime configuration, loaded from the
// environment over explicit per-field defaults. Every recognised key is
// enumerated here; unknown environment variables are ignored.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/homecast/homecast/internal/logging"
)

// EnvPrefix is the prefix for all recognised environment variables,
// e.g. HOMECAST_ADDR, HOMECAST_DATABASE_URL.
const EnvPrefix = "HOMECAST_"

// Database startup policies.
const (
	DBStartupValidateOrRecreate = "validateOrRecreate"
	DBStartupCreateIfMissing    = "createIfMissing"
	DBStartupOff                = "off"
)

// Config holds the relay's runtime configuration.
type Config struct {
	Addr               string        `koanf:"addr"`                 // HTTP listen address
	DatabaseURL        string        `koanf:"database_url"`         // sqlite path or postgres:// URL
	AllowedCORSOrigins []string      `koanf:"allowed_cors_origins"` // exact-match allow-list
	NATSURL            string        `koanf:"nats_url"`             // bus server URL; empty = local-only mode
	TopicPrefix        string        `koanf:"topic_prefix"`         // bus topics are {prefix}-{slot}
	ForceBus           bool          `koanf:"force_bus"`            // skip the local short-circuit (testing)
	JWTSecret          string        `koanf:"jwt_secret"`
	JWTAlgorithm       string        `koanf:"jwt_algorithm"`
	JWTTTL             time.Duration `koanf:"jwt_ttl"`
	DBStartup          string        `koanf:"db_startup"` // validateOrRecreate | createIfMissing | off
	InstanceID         string        `koanf:"instance_id"`
	LogLevel           string        `koanf:"log_level"` // debug | info | warn | error
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                 ":8080",
		"database_url":         "homecast.db",
		"allowed_cors_origins": []string{"http://localhost:3000"},
		"nats_url":             "",
		"topic_prefix":         "homecast-instance",
		"force_bus":            false,
		"jwt_secret":           "change-me-in-production",
		"jwt_algorithm":        "HS256",
		"jwt_ttl":              "168h",
		"db_startup":           DBStartupValidateOrRecreate,
		"instance_id":          "",
		"log_level":            "info",
	}
}

// Load reads configuration from defaults and HOMECAST_-prefixed environment
// variables. List-valued keys are comma-separated in the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	p := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if key == "allowed_cors_origins" {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return key, parts
		}
		return key, value
	})
	if err := k.Load(p, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	switch c.DBStartup {
	case DBStartupValidateOrRecreate, DBStartupCreateIfMissing, DBStartupOff:
	default:
		return fmt.Errorf("db_startup must be one of %q, %q, %q",
			DBStartupValidateOrRecreate, DBStartupCreateIfMissing, DBStartupOff)
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported jwt_algorithm %q", c.JWTAlgorithm)
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("jwt_ttl must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// BusEnabled reports whether cross-instance routing over the bus is
// configured. When false the relay runs in local-only mode.
func (c *Config) BusEnabled() bool {
	return c.NATSURL != ""
}
