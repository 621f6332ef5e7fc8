package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigFile is the optional YAML file Load looks for.
const DefaultConfigFile = "shelf.yaml"

// EnvPrefix namespaces the environment variables Load reads, e.g.
// SHELF_CLIENT_TIMEOUT maps to client.timeout.
const EnvPrefix = "SHELF_"

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. YAML configuration file (optional)
// 3. Default values (lowest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// The YAML file is optional; only a present-but-unreadable file fails.
	if err := k.Load(file.Provider(DefaultConfigFile), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DefaultConfigFile, err)
	}

	if err := loadEnv(k); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return finish(k)
}

// LoadBytes builds a configuration from raw YAML layered over the defaults.
// Environment variables are not consulted; tests and embedders use this to
// construct a fully explicit configuration.
func LoadBytes(data []byte) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return finish(k)
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"client.timeout":      30 * time.Second,
		"client.useragent":    DefaultUserAgent,
		"auth.tokenurl":       "",
		"auth.refreshtimeout": 30 * time.Second,
		"retry.maxattempts":   3,
		"retry.maxdelay":      10 * time.Second,
		"log.level":           "info",
		"log.pretty":          false,
	}
	return k.Load(confmap.Provider(defaults, "."), nil)
}

func loadEnv(k *koanf.Koanf) error {
	return k.Load(envprovider.Provider(".", envprovider.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".")
			return key, value
		},
	}), nil)
}

func finish(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg for consistency. Struct tags cover the per-field
// rules; cross-field rules are checked explicitly.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("field %s failed rule %q", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if cfg.Client.Timeout < time.Second {
		return fmt.Errorf("client timeout %v is below the 1s minimum", cfg.Client.Timeout)
	}

	if cfg.Retry.MaxDelay <= 0 {
		return fmt.Errorf("retry max delay must be positive")
	}

	return nil
}
