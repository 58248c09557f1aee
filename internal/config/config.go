package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
)

const envPrefix = "ORCH_"

// Config is the full process configuration
type Config struct {
	Server       ServerConfig    `koanf:"server"`
	Log          LogConfig       `koanf:"log"`
	Telemetry    TelemetryConfig `koanf:"telemetry"`
	Storage      StorageConfig   `koanf:"storage"`
	Backends     []BackendConfig `koanf:"backends"`
	Fallback     FallbackConfig  `koanf:"fallback"`
	Optimization Optimization    `koanf:"optimization"`
}

type ServerConfig struct {
	Host               string        `koanf:"host"`
	Port               string        `koanf:"port"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	MaxRequestBodySize int64         `koanf:"max_request_body_size"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	TraceStdout bool   `koanf:"trace_stdout"`
}

// StorageConfig configures where images referenced by URL are fetched from
type StorageConfig struct {
	FetchTimeout     time.Duration `koanf:"fetch_timeout"`
	AzureAccountName string        `koanf:"azure_account_name"`
	AzureAccountKey  string        `koanf:"azure_account_key"`
}

// BackendConfig registers one analysis backend
type BackendConfig struct {
	Name      string        `koanf:"name"`
	Type      string        `koanf:"type"` // http, local, ocr
	Endpoint  string        `koanf:"endpoint"`
	HealthURL string        `koanf:"health_url"`
	APIKey    string        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	Language  string        `koanf:"language"` // ocr only
	Fast      bool          `koanf:"fast"`     // local only: colour analysis without edge scans
}

// FallbackConfig configures the degrade-gracefully chain
type FallbackConfig struct {
	UseCachedPopular bool          `koanf:"use_cached_popular"`
	LastResort       []string      `koanf:"last_resort"`
	BackendTimeout   time.Duration `koanf:"backend_timeout"`
	EmbeddingDim     int           `koanf:"embedding_dim"`
}

func (c *Config) ServerAddress() string {
	return net.JoinHostPort(strings.TrimSpace(c.Server.Host), strings.TrimSpace(c.Server.Port))
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               "8080",
			RequestTimeout:     45 * time.Second,
			MaxRequestBodySize: 10 * 1024 * 1024, // 10MB
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "image-orchestrator"},
		Storage:   StorageConfig{FetchTimeout: 15 * time.Second},
		Backends: []BackendConfig{
			{Name: "local", Type: "local"},
		},
		Fallback: FallbackConfig{
			UseCachedPopular: true,
			LastResort:       []string{"local"},
			BackendTimeout:   5 * time.Second,
			EmbeddingDim:     8,
		},
		Optimization: DefaultOptimization(),
	}
}

// Load reads defaults, then an optional YAML file, then ORCH_* environment
// variables. Nested keys use a double underscore: ORCH_OPTIMIZATION__CACHE__MAX_SIZE.
func Load() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv("ORCH_CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.NewConfigurationError("failed to read config file", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, apperrors.NewConfigurationError("failed to read environment", err)
	}

	// slices are decoded in place by koanf, so list defaults are applied
	// only when the sources left them empty
	cfg := Default()
	defaults := *cfg
	cfg.Backends = nil
	cfg.Fallback.LastResort = nil
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, apperrors.NewConfigurationError("failed to decode config", err)
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = defaults.Backends
	}
	if !k.Exists("fallback.last_resort") {
		cfg.Fallback.LastResort = defaults.Fallback.LastResort
		if !cfg.hasBackend("local") {
			cfg.Fallback.LastResort = nil
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) hasBackend(name string) bool {
	for _, b := range c.Backends {
		if b.Name == name {
			return true
		}
	}
	return false
}

// Validate rejects configurations that could only fail at request time
func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Server.Port))
	if err != nil || p < 1 || p > 65535 {
		return apperrors.NewConfigurationError(fmt.Sprintf("invalid port: %q", c.Server.Port), err)
	}
	if c.Server.MaxRequestBodySize <= 0 {
		return apperrors.NewConfigurationError(
			fmt.Sprintf("max_request_body_size must be > 0 (got %d)", c.Server.MaxRequestBodySize), nil)
	}
	if c.Server.RequestTimeout <= 0 || c.Storage.FetchTimeout <= 0 || c.Fallback.BackendTimeout <= 0 {
		return apperrors.NewConfigurationError(fmt.Sprintf(
			"timeouts must be > 0 (got request=%s, fetch=%s, fallback=%s)",
			c.Server.RequestTimeout, c.Storage.FetchTimeout, c.Fallback.BackendTimeout), nil)
	}
	if c.Fallback.EmbeddingDim < 0 {
		return apperrors.NewConfigurationError("fallback.embedding_dim must be >= 0", nil)
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return apperrors.NewConfigurationError("backend name cannot be empty", nil)
		}
		if seen[b.Name] {
			return apperrors.NewConfigurationError(fmt.Sprintf("duplicate backend %q", b.Name), nil)
		}
		seen[b.Name] = true
		if b.Type == "http" && b.Endpoint == "" {
			return apperrors.NewConfigurationError(fmt.Sprintf("backend %q requires an endpoint", b.Name), nil)
		}
	}
	for _, name := range c.Fallback.LastResort {
		if !seen[name] {
			return apperrors.NewConfigurationError(fmt.Sprintf("last-resort backend %q is not registered", name), nil)
		}
	}

	return c.Optimization.Validate()
}
