package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/belqax/pature-cli/api"
)

// Config is the CLI configuration. Values come from, in priority order:
// command-line flags, environment (including .env), the YAML file given by
// --config or PATURE_CONFIG, and the env-default tags. The API URL falls
// back to api.DefaultBaseURL.
type Config struct {
	APIURL       string        `yaml:"api_url" env:"PATURE_API_URL"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" env:"PATURE_HTTP_TIMEOUT" env-default:"30s"`
	RequireLogin bool          `yaml:"refresh_require_login" env:"PATURE_REFRESH_REQUIRE_LOGIN" env-default:"false"`
	Store        StoreConfig   `yaml:"store"`
	Log          LogConfig     `yaml:"log"`
}

// StoreConfig selects where the session is kept.
type StoreConfig struct {
	// Kind is file, memory or redis. Empty picks automatically.
	Kind          string `yaml:"kind" env:"PATURE_STORE"`
	Profile       string `yaml:"profile" env:"PATURE_PROFILE" env-default:"default"`
	TokenFile     string `yaml:"token_file" env:"PATURE_TOKEN_FILE" env-default:".pature-session.json"`
	Passphrase    string `yaml:"passphrase" env:"PATURE_STORE_PASSPHRASE"`
	RedisAddr     string `yaml:"redis_addr" env:"PATURE_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"PATURE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"PATURE_REDIS_DB" env-default:"0"`
}

// LogConfig configures the diagnostic logger on stderr.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"warn"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// flagValues holds the persistent flags. Empty means "not set".
type flagValues struct {
	configPath string
	apiURL     string
	store      string
	tokenFile  string
	profile    string
	timeout    time.Duration
	logLevel   string
	metrics    bool
}

// loadConfig reads file and environment, then applies flag overrides.
func loadConfig(flags flagValues) (*Config, error) {
	var cfg Config

	path := flags.configPath
	if path == "" {
		path = os.Getenv("PATURE_CONFIG")
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		// ReadConfig overlays the environment on top of the file.
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	// Priority: flag > env > file > default
	cfg.APIURL = getConfig(flags.apiURL, getConfig(cfg.APIURL, api.DefaultBaseURL))
	cfg.Store.Kind = getConfig(flags.store, cfg.Store.Kind)
	cfg.Store.TokenFile = getConfig(flags.tokenFile, cfg.Store.TokenFile)
	cfg.Store.Profile = getConfig(flags.profile, cfg.Store.Profile)
	cfg.Log.Level = getConfig(flags.logLevel, cfg.Log.Level)
	if flags.timeout > 0 {
		cfg.HTTPTimeout = flags.timeout
	}

	if err := validateServerURL(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("invalid PATURE_API_URL: %w", err)
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("PATURE_HTTP_TIMEOUT must be positive, got %s", cfg.HTTPTimeout)
	}
	switch strings.ToLower(cfg.Store.Kind) {
	case "", "auto", "file", "memory", "redis":
	default:
		return nil, fmt.Errorf("PATURE_STORE must be file, memory or redis, got %q", cfg.Store.Kind)
	}
	if strings.EqualFold(cfg.Store.Kind, "auto") {
		cfg.Store.Kind = ""
	}

	return &cfg, nil
}

// getConfig returns the flag value when set, otherwise fallback.
func getConfig(flagValue, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	return fallback
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// warnPlaintext warns when tokens would travel over plain HTTP.
func warnPlaintext(w io.Writer, apiURL string) {
	if !strings.HasPrefix(strings.ToLower(apiURL), "http://") {
		return
	}
	fmt.Fprintln(w, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
	fmt.Fprintln(w)
}
