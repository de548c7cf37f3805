package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kcolemangt/tierproxy/model"
	"github.com/kcolemangt/tierproxy/utils"
)

// LoadConfig assembles the immutable process configuration. Precedence,
// lowest to highest: built-in defaults, the optional JSON config file,
// environment variables (with .env loaded first, existing environment
// winning), and finally command-line overrides.
func LoadConfig(configFile string, listeningPort int, defaultConfig model.Config, logger *zap.Logger) (*model.Config, error) {
	// Existing environment variables take priority over values defined in
	// the .env file
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found or unable to load it, continuing with system environment variables", zap.Error(err))
	} else {
		logger.Info(".env file loaded successfully")
	}

	logger.Info("Starting configuration loading", zap.String("configFile", configFile))

	cfg := defaultConfig
	if _, err := os.Stat(configFile); err == nil {
		fileData, err := os.ReadFile(configFile)
		if err != nil {
			logger.Error("Failed to read config file", zap.String("file", configFile), zap.Error(err))
			return nil, err
		}
		// The file overlays the defaults; fields it omits keep their
		// default values, a tiers array replaces the default trio.
		if err := json.Unmarshal(fileData, &cfg); err != nil {
			logger.Error("Failed to unmarshal config data", zap.String("file", configFile), zap.Error(err))
			return nil, err
		}
		logger.Info("Config file loaded and parsed", zap.String("file", configFile))
	} else {
		logger.Warn("Config file not found, using default configuration", zap.String("file", configFile))
	}

	if err := applyEnv(&cfg, logger); err != nil {
		return nil, err
	}

	// Apply command line overrides
	if listeningPort != 0 {
		cfg.ListeningPort = listeningPort
		logger.Info("Listening port override applied", zap.Int("port", listeningPort))
	}

	if err := validate(&cfg); err != nil {
		logger.Error("Configuration rejected", zap.Error(err))
		return nil, err
	}

	for _, tier := range cfg.Tiers {
		logger.Info("Tier configured",
			zap.String("tier", tier.Name),
			zap.String("model", tier.Model),
			zap.String("base_url", tier.BaseURL),
			zap.Bool("routed", tier.BaseURL != ""),
			zap.String("api_key", utils.RedactKey(tier.APIKey)),
		)
	}

	logger.Info("Configuration loading completed successfully")
	return &cfg, nil
}

// applyEnv layers environment variables over cfg. Tier variables follow
// the TIER_PROVIDER_API_KEY / TIER_PROVIDER_BASE_URL /
// ANTHROPIC_DEFAULT_TIER_MODEL naming, with TIER the upper-cased tier
// name. Malformed numeric or duration values fail startup rather than
// being silently ignored.
func applyEnv(cfg *model.Config, logger *zap.Logger) error {
	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		prefix := strings.ToUpper(tier.Name)

		if v := os.Getenv(prefix + "_PROVIDER_API_KEY"); v != "" {
			tier.APIKey = v
			logger.Info("Tier API key set from environment",
				zap.String("tier", tier.Name),
				zap.String("api_key", utils.RedactKey(v)),
			)
		}
		if v := os.Getenv(prefix + "_PROVIDER_BASE_URL"); v != "" {
			tier.BaseURL = v
			logger.Info("Tier base URL set from environment",
				zap.String("tier", tier.Name),
				zap.String("base_url", v),
			)
		}
		if v := os.Getenv("ANTHROPIC_DEFAULT_" + prefix + "_MODEL"); v != "" {
			tier.Model = v
			logger.Info("Tier model set from environment",
				zap.String("tier", tier.Name),
				zap.String("model", v),
			)
		}
	}

	if v := os.Getenv("ANTHROPIC_UPSTREAM_BASE_URL"); v != "" {
		cfg.AnthropicBaseURL = v
		logger.Info("Default upstream base URL set from environment", zap.String("base_url", v))
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.ListeningPort},
		{"RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts},
		{"PROVIDER_MAX_CONCURRENT", &cfg.MaxConcurrent},
		{"UPSTREAM_MAX_CONNECTIONS", &cfg.Upstream.MaxConnections},
		{"UPSTREAM_MAX_IDLE_CONNECTIONS", &cfg.Upstream.MaxIdleConnections},
	}
	for _, v := range intVars {
		if err := envInt(v.name, v.dst); err != nil {
			return err
		}
	}

	durationVars := []struct {
		name string
		dst  *time.Duration
	}{
		{"RETRY_BASE_DELAY", &cfg.Retry.BaseDelay},
		{"RETRY_MAX_DELAY", &cfg.Retry.MaxDelay},
		{"UPSTREAM_CONNECT_TIMEOUT", &cfg.Upstream.ConnectTimeout},
		{"UPSTREAM_READ_TIMEOUT", &cfg.Upstream.ReadTimeout},
		{"UPSTREAM_WRITE_TIMEOUT", &cfg.Upstream.WriteTimeout},
		{"UPSTREAM_POOL_TIMEOUT", &cfg.Upstream.PoolTimeout},
		{"UPSTREAM_IDLE_TIMEOUT", &cfg.Upstream.IdleTimeout},
	}
	for _, v := range durationVars {
		if err := envDuration(v.name, v.dst); err != nil {
			return err
		}
	}

	return nil
}

// envInt overwrites dst when the variable is set and a valid integer.
func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

// envDuration overwrites dst when the variable is set and a valid Go
// duration string such as "200ms" or "5m".
func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = d
	return nil
}

// validate rejects configurations the proxy cannot run with.
func validate(cfg *model.Config) error {
	if cfg.ListeningPort < 1 || cfg.ListeningPort > 65535 {
		return fmt.Errorf("listening port %d out of range", cfg.ListeningPort)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if cfg.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be at least 1, got %d", cfg.MaxConcurrent)
	}

	u := cfg.Upstream
	for name, d := range map[string]time.Duration{
		"connect_timeout": u.ConnectTimeout,
		"read_timeout":    u.ReadTimeout,
		"write_timeout":   u.WriteTimeout,
		"pool_timeout":    u.PoolTimeout,
		"idle_timeout":    u.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("upstream %s must not be negative", name)
		}
	}
	if u.MaxConnections < 1 {
		return fmt.Errorf("upstream max connections must be at least 1, got %d", u.MaxConnections)
	}
	if u.MaxIdleConnections < 0 {
		return fmt.Errorf("upstream max idle connections must not be negative")
	}

	if err := checkBaseURL("anthropic_base_url", cfg.AnthropicBaseURL); err != nil {
		return err
	}
	for _, tier := range cfg.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("tier with model %q has no name", tier.Model)
		}
		if tier.BaseURL != "" {
			if err := checkBaseURL(tier.Name+" base URL", tier.BaseURL); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkBaseURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must use http or https", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", name, raw)
	}
	return nil
}

// InitFlags initializes and parses the command-line flags.
func InitFlags() (string, int, string) {
	configFile := flag.String("config", "config.json", "Path to the configuration file")
	listeningPort := flag.Int("port", 0, "Listening port (overrides config file and environment)")
	logLevel := flag.String("log-level", "info", "define the log level: debug, info, warn, error, dpanic, panic, fatal")

	flag.Parse()

	return *configFile, *listeningPort, *logLevel
}
