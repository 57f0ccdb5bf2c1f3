package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Scanner ScannerConfig
	Upload  UploadConfig
	Session SessionConfig
	Store   StoreConfig
	Auth    AuthConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	Mode            string
	ShutdownTimeout time.Duration
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type ScannerConfig struct {
	BaseURL string
	Timeout time.Duration
}

type UploadConfig struct {
	MaxBytes int64
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// StoreConfig holds the optional backing stores. Empty values select the
// in-process fallbacks.
type StoreConfig struct {
	RedisAddr   string
	DatabaseDSN string
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// Load reads configuration from the environment on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("SCANNER_BASE_URL", "http://127.0.0.1:5000")
	v.SetDefault("SCANNER_TIMEOUT", 30*time.Second)
	v.SetDefault("UPLOAD_MAX_BYTES", 10*1024*1024) // 10MB
	v.SetDefault("SESSION_TTL", 30*time.Minute)
	v.SetDefault("SESSION_SWEEP_INTERVAL", time.Minute)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetString("SERVER_PORT"),
			Mode:            v.GetString("GIN_MODE"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Scanner: ScannerConfig{
			BaseURL: strings.TrimRight(v.GetString("SCANNER_BASE_URL"), "/"),
			Timeout: v.GetDuration("SCANNER_TIMEOUT"),
		},
		Upload: UploadConfig{
			MaxBytes: v.GetInt64("UPLOAD_MAX_BYTES"),
		},
		Session: SessionConfig{
			TTL:           v.GetDuration("SESSION_TTL"),
			SweepInterval: v.GetDuration("SESSION_SWEEP_INTERVAL"),
		},
		Store: StoreConfig{
			RedisAddr:   strings.TrimSpace(v.GetString("REDIS_ADDR")),
			DatabaseDSN: strings.TrimSpace(v.GetString("DATABASE_DSN")),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(v.GetString("JWT_SECRET")),
			JWTAudience: strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Scanner.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("SCANNER_BASE_URL must be an absolute http(s) URL, got %q", c.Scanner.BaseURL))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("GIN_MODE must be debug, release or test, got %q", c.Server.Mode))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("SERVER_PORT is required"))
	}
	if c.Scanner.Timeout <= 0 {
		errs = append(errs, errors.New("SCANNER_TIMEOUT must be positive"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("SESSION_TTL and SESSION_SWEEP_INTERVAL must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SERVER_SHUTDOWN_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}
