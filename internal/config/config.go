package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the full process configuration. Every variable is optional;
// the defaults describe a single-domain dashboard deployment with the proxy
// on the standard ports.
type Config struct {
	// Domain is the name certificates are issued for and challenges are
	// validated against.
	Domain string `env:"DOMAIN" envDefault:"localhost"`

	// StateDir is the root of the certificate store shared between the
	// renewal agent and the proxy.
	StateDir string `env:"STATE_DIR" envDefault:"/var/lib/certproxy"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogSQL toggles statement-level logging in the dashboard database.
	// The proxy only reports the setting at startup; the database container
	// is the consumer.
	LogSQL bool `env:"LOG_SQL" envDefault:"false"`

	ACME  ACME
	Proxy Proxy
	Admin Admin
}

// ACME configures the renewal agent.
type ACME struct {
	// Email is the optional account contact.
	Email string `env:"ACME_EMAIL" envDefault:""`

	// DirectoryURL selects the CA. Point it at the Let's Encrypt staging
	// directory when testing against rate limits.
	DirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`

	// ObtainTimeout bounds a single issuance attempt, including the CA's
	// validation polling.
	ObtainTimeout time.Duration `env:"ACME_OBTAIN_TIMEOUT" envDefault:"2m"`

	// RenewInterval must stay comfortably below the CA's 90-day validity
	// window so failed cycles leave margin for retries.
	RenewInterval time.Duration `env:"RENEW_INTERVAL" envDefault:"1440h"`
}

// Proxy configures the reverse proxy listeners and the backend target.
type Proxy struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":80"`
	HTTPSAddr string `env:"HTTPS_ADDR" envDefault:":443"`

	BackendHost string `env:"BACKEND_HOST" envDefault:"dashboard"`
	BackendPort int    `env:"BACKEND_PORT" envDefault:"8050"`

	// StreamPath is the backend path that receives protocol-upgrade
	// traffic (websockets and similar long-lived streams).
	StreamPath string `env:"BACKEND_STREAM_PATH" envDefault:"/stream"`

	ReloadInterval  time.Duration `env:"RELOAD_INTERVAL" envDefault:"12h"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Admin configures the metrics/health listener. It defaults to loopback so
// operational endpoints are never exposed on the public interface.
type Admin struct {
	Addr string `env:"ADMIN_ADDR" envDefault:"127.0.0.1:9323"`
}

// Load reads configuration from the environment, loading a .env file first
// if one is present in the working directory.
func Load() (Config, error) {
	_ = godotenv.Load() // .env is optional

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps the configured log level onto slog, falling back to info
// for unknown values.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
