// Package config loads the client configuration from a YAML file, with .env
// and environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the client application's configuration.
type Config struct {
	// ServerURL is the identity service base URL.
	ServerURL string `yaml:"server-url" env:"LABAUTH_SERVER_URL"`

	// SessionMode selects the session strategy: "bearer" or "cookie".
	SessionMode string `yaml:"session-mode" env:"LABAUTH_SESSION_MODE"`

	// SessionFile is the path of the durable session record. Defaults to
	// ~/.labauth/session.json.
	SessionFile string `yaml:"session-file" env:"LABAUTH_SESSION_FILE"`

	// RequestTimeoutSeconds bounds every identity service request.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" env:"LABAUTH_REQUEST_TIMEOUT"`

	// VerifyTimeoutSeconds bounds a single background verification call.
	VerifyTimeoutSeconds int `yaml:"verify-timeout-seconds" env:"LABAUTH_VERIFY_TIMEOUT"`

	// VerifyIntervalMinutes is the fallback background re-verification cycle
	// used when the credential carries no expiry.
	VerifyIntervalMinutes int `yaml:"verify-interval-minutes" env:"LABAUTH_VERIFY_INTERVAL"`

	// OAuthCallbackPort is the local port for provider redirects.
	OAuthCallbackPort int `yaml:"oauth-callback-port" env:"LABAUTH_OAUTH_CALLBACK_PORT"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" env:"LABAUTH_DEBUG"`

	// LogDir, when set, mirrors logs to rotated files in that directory.
	LogDir string `yaml:"log-dir" env:"LABAUTH_LOG_DIR"`
}

// LoadConfig reads the YAML file at path and applies .env plus environment
// overrides. A missing file is not an error; defaults and environment carry
// the configuration alone.
func LoadConfig(path string) (*Config, error) {
	// Best effort: a .env next to the working directory feeds the overrides.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s failed: %w", path, err)
		}
		if err == nil {
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s failed: %w", path, errUnmarshal)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides failed: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.SessionMode) == "" {
		c.SessionMode = "bearer"
	}
	if strings.TrimSpace(c.SessionFile) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.SessionFile = filepath.Join(home, ".labauth", "session.json")
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.VerifyTimeoutSeconds <= 0 {
		c.VerifyTimeoutSeconds = 5
	}
	if c.VerifyIntervalMinutes <= 0 {
		c.VerifyIntervalMinutes = 30
	}
	if c.OAuthCallbackPort <= 0 {
		c.OAuthCallbackPort = 8085
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("config: server-url is required")
	}
	mode := strings.ToLower(strings.TrimSpace(c.SessionMode))
	if mode != "bearer" && mode != "cookie" {
		return fmt.Errorf("config: session-mode must be \"bearer\" or \"cookie\", got %q", c.SessionMode)
	}
	c.SessionMode = mode
	return nil
}

// RequestTimeout returns the request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// VerifyTimeout returns the verification timeout as a duration.
func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSeconds) * time.Second
}

// VerifyInterval returns the fallback verification cycle as a duration.
func (c *Config) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalMinutes) * time.Minute
}
