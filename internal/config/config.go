// Package config loads the immutable process configuration for the gateway.
// Values come from an optional YAML file overridden by COREASON_-prefixed
// environment variables. The configuration is read once at startup and
// passed by reference; there is no ambient global lookup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// forbiddenEnvKeys are static provider secrets that must never be present in
// the environment. Upstream credentials are fetched just-in-time from Vault.
var forbiddenEnvKeys = []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"}

type Config struct {
	Env      string        `koanf:"env"`
	LogLevel string        `koanf:"log_level"`
	Server   ServerConfig  `koanf:"server"`
	Gateway  GatewayConfig `koanf:"gateway"`
	Vault    VaultConfig   `koanf:"vault"`
	Redis    RedisConfig   `koanf:"redis"`
	Retry    RetryConfig   `koanf:"retry"`
	Budget   BudgetConfig  `koanf:"budget"`
	Storage  StorageConfig `koanf:"storage"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// GatewayConfig holds the shared secret presented by internal callers.
type GatewayConfig struct {
	AccessToken string `koanf:"access_token"`
}

type VaultConfig struct {
	Addr     string `koanf:"addr"`
	RoleID   string `koanf:"role_id"`
	SecretID string `koanf:"secret_id"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

// RetryConfig tunes the upstream dispatcher. Wait bounds and the delay stop
// condition are expressed in seconds.
type RetryConfig struct {
	StopAfterAttempt int     `koanf:"stop_after_attempt"`
	StopAfterDelay   int     `koanf:"stop_after_delay"`
	WaitMin          int     `koanf:"wait_min"`
	WaitMax          int     `koanf:"wait_max"`
	Multiplier       float64 `koanf:"multiplier"`
}

// MaxElapsed returns the cumulative wall-clock retry budget.
func (r RetryConfig) MaxElapsed() time.Duration {
	return time.Duration(r.StopAfterDelay) * time.Second
}

// WaitMinDuration returns the minimum backoff wait.
func (r RetryConfig) WaitMinDuration() time.Duration {
	return time.Duration(r.WaitMin) * time.Second
}

// WaitMaxDuration returns the maximum backoff wait.
func (r RetryConfig) WaitMaxDuration() time.Duration {
	return time.Duration(r.WaitMax) * time.Second
}

// BudgetConfig selects the token estimator used for admission control.
// "heuristic" is the fast serialized-length/4 estimate; "tokenizer" uses
// tiktoken for model-aware counts.
type BudgetConfig struct {
	Estimator string `koanf:"estimator"`
}

// StorageConfig configures the optional usage audit trail. An empty DSN
// disables it.
type StorageConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// sections are the nested config groups addressable from the environment.
var sections = map[string]bool{
	"server":  true,
	"gateway": true,
	"vault":   true,
	"redis":   true,
	"retry":   true,
	"budget":  true,
	"storage": true,
}

// envKeyToPath maps COREASON_SERVER_PORT -> server.port and
// COREASON_RETRY_STOP_AFTER_ATTEMPT -> retry.stop_after_attempt. Keys that
// do not name a section (COREASON_LOG_LEVEL) stay flat.
func envKeyToPath(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, "COREASON_"))
	if i := strings.Index(key, "_"); i > 0 && sections[key[:i]] {
		return key[:i] + "." + key[i+1:]
	}
	return key
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or the file does not exist) and then from COREASON_-prefixed
// environment variables.
func Load(path string) (*Config, error) {
	for _, key := range forbiddenEnvKeys {
		if _, ok := os.LookupEnv(key); ok {
			return nil, fmt.Errorf("security violation: %s found in environment, static secrets are forbidden, use Vault", key)
		}
	}

	k := koanf.New(".")

	// Defaults
	k.Set("env", "production")
	k.Set("log_level", "INFO")
	k.Set("server.port", 8080)
	k.Set("retry.stop_after_attempt", 3)
	k.Set("retry.stop_after_delay", 10)
	k.Set("retry.wait_min", 2)
	k.Set("retry.wait_max", 10)
	k.Set("retry.multiplier", 2.0)
	k.Set("budget.estimator", "heuristic")
	k.Set("storage.driver", "sqlite")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("COREASON_", ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the settings required at runtime are present and sane.
func (c *Config) Validate() error {
	if c.Gateway.AccessToken == "" {
		return fmt.Errorf("gateway.access_token is required")
	}
	if c.Vault.Addr == "" || c.Vault.RoleID == "" || c.Vault.SecretID == "" {
		return fmt.Errorf("vault.addr, vault.role_id and vault.secret_id are required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Retry.StopAfterAttempt < 1 {
		return fmt.Errorf("retry.stop_after_attempt must be at least 1")
	}
	if c.Retry.WaitMin > c.Retry.WaitMax {
		return fmt.Errorf("retry.wait_min must not exceed retry.wait_max")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	switch c.Budget.Estimator {
	case "heuristic", "tokenizer":
	default:
		return fmt.Errorf("budget.estimator must be heuristic or tokenizer, got %q", c.Budget.Estimator)
	}
	return nil
}
