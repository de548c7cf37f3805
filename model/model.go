package model

import "time"

// Tier names, fixed by the inbound API surface.
const (
	TierHaiku  = "haiku"
	TierOpus   = "opus"
	TierSonnet = "sonnet"
)

// Defaults applied before the config file, environment, and flags are
// consulted.
const (
	DefaultPort             = 8082
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	DefaultHaikuModel  = "claude-3-haiku"
	DefaultOpusModel   = "claude-3-opus"
	DefaultSonnetModel = "claude-sonnet"

	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second

	DefaultConnectTimeout     = 10 * time.Second
	DefaultReadTimeout        = 300 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultPoolTimeout        = 5 * time.Second
	DefaultMaxConnections     = 100
	DefaultMaxIdleConnections = 20
	DefaultIdleTimeout        = 30 * time.Second

	DefaultMaxConcurrent = 5
)

// TierConfig describes one routable model tier. A tier with no BaseURL is
// not directly routable; requests naming its model fall through to the
// default Anthropic upstream.
type TierConfig struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// RetryPolicy bounds the attempt loop for one inbound request.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// UpstreamSettings tunes the shared outbound connection pool. The read and
// write timeouts bound individual wire operations, not whole requests, so
// a streaming response that keeps producing bytes can outlive them.
type UpstreamSettings struct {
	ConnectTimeout     time.Duration `json:"connect_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	PoolTimeout        time.Duration `json:"pool_timeout"`
	MaxConnections     int           `json:"max_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	IdleTimeout        time.Duration `json:"idle_timeout"`
}

// Config is the resolved process configuration. It is assembled once at
// startup and treated as immutable afterwards.
type Config struct {
	ListeningPort    int              `json:"listening_port"`
	AnthropicBaseURL string           `json:"anthropic_base_url"`
	Tiers            []TierConfig     `json:"tiers"`
	Retry            RetryPolicy      `json:"retry"`
	Upstream         UpstreamSettings `json:"upstream"`
	MaxConcurrent    int              `json:"max_concurrent"`
}

// DefaultConfig returns the configuration used when nothing else is
// provided: all three tiers on their stock models, none of them routed,
// and conservative transport limits. Tier order decides which tier wins
// when two tiers name the same model.
func DefaultConfig() Config {
	return Config{
		ListeningPort:    DefaultPort,
		AnthropicBaseURL: DefaultAnthropicBaseURL,
		Tiers: []TierConfig{
			{Name: TierHaiku, Model: DefaultHaikuModel},
			{Name: TierOpus, Model: DefaultOpusModel},
			{Name: TierSonnet, Model: DefaultSonnetModel},
		},
		Retry: RetryPolicy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		Upstream: UpstreamSettings{
			ConnectTimeout:     DefaultConnectTimeout,
			ReadTimeout:        DefaultReadTimeout,
			WriteTimeout:       DefaultWriteTimeout,
			PoolTimeout:        DefaultPoolTimeout,
			MaxConnections:     DefaultMaxConnections,
			MaxIdleConnections: DefaultMaxIdleConnections,
			IdleTimeout:        DefaultIdleTimeout,
		},
		MaxConcurrent: DefaultMaxConcurrent,
	}
}
