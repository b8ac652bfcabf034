// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"claimsync/models"
)

// Config holds the client settings.
type Config struct {
	// Remote authority
	APIURL string `env:"CLAIMSYNC_API_URL" envDefault:"http://localhost:8080" validate:"required,url"`
	WSURL  string `env:"CLAIMSYNC_WS_URL"  envDefault:"ws://localhost:8080/ws" validate:"required,url"`

	// Signed-in identity. Credential is an opaque bearer token.
	IdentityID string      `env:"CLAIMSYNC_IDENTITY_ID" validate:"required"`
	Role       models.Role `env:"CLAIMSYNC_ROLE"        envDefault:"employee" validate:"oneof=admin hr agent employee"`
	Credential string      `env:"CLAIMSYNC_TOKEN"       validate:"required"`

	// Paging
	MessagePageSize      int `env:"CLAIMSYNC_MESSAGE_PAGE_SIZE"      envDefault:"50" validate:"min=1,max=100"`
	NotificationPageSize int `env:"CLAIMSYNC_NOTIFICATION_PAGE_SIZE" envDefault:"20" validate:"min=1,max=100"`

	// Timing
	TypingDebounce   time.Duration `env:"CLAIMSYNC_TYPING_DEBOUNCE"    envDefault:"1s"`
	TypingExpiry     time.Duration `env:"CLAIMSYNC_TYPING_EXPIRY"      envDefault:"0s"`
	ReconnectInitial time.Duration `env:"CLAIMSYNC_RECONNECT_INITIAL"  envDefault:"500ms"`
	ReconnectMax     time.Duration `env:"CLAIMSYNC_RECONNECT_MAX"      envDefault:"30s"`
	RequestTimeout   time.Duration `env:"CLAIMSYNC_REQUEST_TIMEOUT"    envDefault:"10s"`

	// Role visibility allow-list, e.g. "hr=admin|agent|employee;employee=hr|agent".
	ContactPolicy string `env:"CLAIMSYNC_CONTACT_POLICY"`

	// Logging and metrics
	LogLevel    string `env:"LOG_LEVEL"   envDefault:"info" validate:"oneof=debug info warn error"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	MetricsAddr string `env:"CLAIMSYNC_METRICS_ADDR"`
}

// ServerConfig holds the reference server settings.
type ServerConfig struct {
	Addr     string `env:"DEVSERVER_ADDR"    envDefault:":8080" validate:"required"`
	DBPath   string `env:"DEVSERVER_DB_PATH" envDefault:"file:claimsync?mode=memory&cache=shared"`
	// Seeded accounts, "token=id:role:Display Name" separated by commas.
	Accounts    string `env:"DEVSERVER_ACCOUNTS"`
	LogLevel    string `env:"LOG_LEVEL"   envDefault:"info" validate:"oneof=debug info warn error"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

var validate = validator.New()

// Load loads the client configuration from .env (when present) and the
// process environment.
func Load() (*Config, error) {
	loadDotEnv()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadServer loads the reference server configuration.
func LoadServer() (*ServerConfig, error) {
	loadDotEnv()

	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return &cfg, nil
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("invalid config: CLAIMSYNC_RECONNECT_MAX (%s) is below CLAIMSYNC_RECONNECT_INITIAL (%s)", c.ReconnectMax, c.ReconnectInitial)
	}
	if c.TypingDebounce <= 0 {
		return fmt.Errorf("invalid config: CLAIMSYNC_TYPING_DEBOUNCE must be positive")
	}
	if _, err := ParseContactPolicy(c.ContactPolicy); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func loadDotEnv() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()
}

// IsDevelopment checks if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}
