// Package config loads the daemon settings from an optional YAML file and
// CELERIX_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-addressbook/internal/vault"
)

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
)

// Config holds every daemon setting.
type Config struct {
	Backend string `yaml:"backend" validate:"oneof=memory file"`
	DataDir string `yaml:"data_dir" validate:"required_if=Backend file"`
	// Watch follows edits made to the data directory by other processes.
	Watch         bool   `yaml:"watch"`
	EncryptionKey string `yaml:"encryption_key" validate:"omitempty,vaultkey"`

	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	HTTPPort       int           `yaml:"http_port" validate:"min=0,max=65535"`
	DisableTLS     bool          `yaml:"disable_tls"`
	MaxConnections int           `yaml:"max_connections" validate:"min=1"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"min=0"`

	Workers   int `yaml:"workers" validate:"min=0"`
	CacheSize int `yaml:"cache_size" validate:"min=-1"`

	Log LogConfig `yaml:"log"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Backend:        BackendFile,
		DataDir:        "./data",
		Port:           7001,
		HTTPPort:       7002,
		MaxConnections: 100,
		IdleTimeout:    5 * time.Minute,
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("vaultkey", func(fl validator.FieldLevel) bool {
		_, err := vault.ParseKey(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Key returns the decoded encryption key, nil when encryption is off.
func (c Config) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	return vault.ParseKey(c.EncryptionKey)
}

// Load reads path (skipped when empty), applies the environment and validates.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			*dst = strings.EqualFold(strings.TrimSpace(v), "true") || v == "1"
		}
	}

	str("CELERIX_BACKEND", &cfg.Backend)
	str("CELERIX_DATA_DIR", &cfg.DataDir)
	flag("CELERIX_WATCH", &cfg.Watch)
	str("CELERIX_ENCRYPTION_KEY", &cfg.EncryptionKey)
	num("CELERIX_PORT", &cfg.Port)
	num("CELERIX_HTTP_PORT", &cfg.HTTPPort)
	flag("CELERIX_DISABLE_TLS", &cfg.DisableTLS)
	num("CELERIX_MAX_CONNECTIONS", &cfg.MaxConnections)
	num("CELERIX_WORKERS", &cfg.Workers)
	num("CELERIX_CACHE_SIZE", &cfg.CacheSize)
	str("CELERIX_LOG_LEVEL", &cfg.Log.Level)
	str("CELERIX_LOG_FORMAT", &cfg.Log.Format)
	if v, ok := lookup("CELERIX_IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CELERIX_IDLE_TIMEOUT: %w", err))
		} else {
			cfg.IdleTimeout = d
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the daemon logger writing to w.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
