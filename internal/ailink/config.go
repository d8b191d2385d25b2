package ailink

import "time"

// Config defines provider configuration for the conversion client.
type Config struct {
	DefaultProvider string        `mapstructure:"default_provider"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`

	// Retry controls transport-level retries of transient provider failures.
	// Quota rejections (429) are never retried here; they surface to the
	// scheduler as rate-limit failures.
	Retry RetryConfig `mapstructure:"retry"`

	// Conversion tunes the prompt sent for each job.
	Conversion ConversionConfig `mapstructure:"conversion"`

	// Debug controls optional diagnostics like raw payload capture.
	Debug DebugConfig `mapstructure:"debug"`

	// Providers is a set of provider instances keyed by a user-defined id (slug).
	Providers map[string]ProviderInstanceConfig `mapstructure:"providers"`

	// Routing maps a role (e.g. "convert") to a provider id.
	Routing map[string]string `mapstructure:"routing"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	WaitMin    time.Duration `mapstructure:"wait_min"`
	WaitMax    time.Duration `mapstructure:"wait_max"`
}

type ConversionConfig struct {
	Model        string   `mapstructure:"model"`
	Temperature  *float64 `mapstructure:"temperature"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	SystemPrompt string   `mapstructure:"system_prompt"`
}

type DebugConfig struct {
	CaptureRawEnabled  bool `mapstructure:"capture_raw_enabled"`
	CaptureRawMaxBytes int  `mapstructure:"capture_raw_max_bytes"`
}

// ProviderInstanceConfig defines a configured provider instance.
type ProviderInstanceConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// AIProvider is the driver identifier. Only "openai" (and OpenAI-compatible
	// endpoints) is supported.
	AIProvider string `mapstructure:"ai_provider"`

	// SelectionPolicy controls which credential is chosen.
	// Supported values: "priority" (default), "round_robin".
	SelectionPolicy string `mapstructure:"selection_policy"`

	// DefaultCredential, if set, forces selecting the matching credential label.
	DefaultCredential string `mapstructure:"default_credential"`

	BaseURL string            `mapstructure:"base_url"`
	Models  map[string]string `mapstructure:"models"`
	Roles   []string          `mapstructure:"roles"`

	Credentials []CredentialConfig `mapstructure:"credentials"`
}

// CredentialConfig is a single credential for a provider instance.
type CredentialConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Label    string `mapstructure:"label"`
	APIKey   string `mapstructure:"api_key"`
	Priority int    `mapstructure:"priority"`
}
