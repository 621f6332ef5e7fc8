// Package config loads and validates the library configuration from
// defaults, an optional YAML file, and environment variables.
package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// DefaultUserAgent identifies this client on every outbound request unless
// overridden.
const DefaultUserAgent = "go-shelf/1.0"

// Config is the full configuration of the library.
type Config struct {
	Client ClientConfig `koanf:"client" json:"client" yaml:"client" mapstructure:"client"`
	Auth   AuthConfig   `koanf:"auth" json:"auth" yaml:"auth" mapstructure:"auth"`
	Retry  RetryConfig  `koanf:"retry" json:"retry" yaml:"retry" mapstructure:"retry"`
	Log    LogConfig    `koanf:"log" json:"log" yaml:"log" mapstructure:"log"`

	// k holds the underlying Koanf instance for access to custom keys
	k *koanf.Koanf `json:"-" yaml:"-" mapstructure:"-"`
}

// ClientConfig holds transport-level settings.
type ClientConfig struct {
	// Timeout is the per-request timeout applied when the caller does not
	// override it.
	Timeout time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"required"`

	// UserAgent is sent on every outbound request.
	UserAgent string `koanf:"useragent" json:"useragent" yaml:"useragent" mapstructure:"useragent" validate:"required"`
}

// AuthConfig holds token-exchange settings.
type AuthConfig struct {
	// TokenURL is the token-exchange endpoint. Empty disables bearer-token
	// refresh; requests then run unauthenticated or with basic auth only.
	TokenURL string `koanf:"tokenurl" json:"tokenurl" yaml:"tokenurl" mapstructure:"tokenurl" validate:"omitempty,url"`

	// RefreshTimeout bounds the token-exchange network call.
	RefreshTimeout time.Duration `koanf:"refreshtimeout" json:"refreshtimeout" yaml:"refreshtimeout" mapstructure:"refreshtimeout" validate:"required"`
}

// RetryConfig holds the defaults for the backoff retry wrapper.
type RetryConfig struct {
	// MaxAttempts is the default attempt count for GetWithRetry.
	MaxAttempts int `koanf:"maxattempts" json:"maxattempts" yaml:"maxattempts" mapstructure:"maxattempts" validate:"min=1"`

	// MaxDelay caps the exponential backoff between attempts.
	MaxDelay time.Duration `koanf:"maxdelay" json:"maxdelay" yaml:"maxdelay" mapstructure:"maxdelay" validate:"required"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}

// Koanf exposes the underlying instance for keys not covered by the struct.
func (c *Config) Koanf() *koanf.Koanf {
	return c.k
}
