// Package config holds platform-wide configuration. Values are layered:
// defaults first, then environment variables, then functional options
// (highest priority) — the same three-layer priority the teacher framework
// uses for its Config type.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-tunable knob named across the component
// design and external interfaces sections of the spec.
type Config struct {
	NodeID    string `json:"node_id" env:"SCP_NODE_ID"`
	Namespace string `json:"namespace" env:"SCP_NAMESPACE" default:"default"`
	Port      int    `json:"port" env:"SCP_PORT" default:"8080"`

	Catalog    CatalogConfig
	Registry   RegistryConfig
	Dispatch   DispatchConfig
	Audit      AuditConfig
	Resilience ResilienceConfig
	Vault      VaultConfig
}

// CatalogConfig configures capability catalog signing, revocation and cache.
type CatalogConfig struct {
	SigningSecret   string        `json:"-" env:"CATALOG_SIGNING_SECRET"`
	RevokedEntries  []string      `json:"revoked_entries" env:"CATALOG_REVOKED_ENTRIES"`
	CacheTTL        time.Duration `json:"cache_ttl" default:"24h"`
	RedisURL        string        `json:"redis_url" env:"SCP_CATALOG_REDIS_URL"`
}

// RegistryConfig configures the node registry backend.
type RegistryConfig struct {
	Provider          string        `json:"provider" env:"SCP_REGISTRY_PROVIDER" default:"memory"`
	RedisURL          string        `json:"redis_url" env:"SCP_REGISTRY_REDIS_URL"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" default:"10s"`
	OfflineMultiplier int           `json:"offline_multiplier" default:"3"`
}

// DispatchConfig configures the node dispatcher's transport and backpressure.
type DispatchConfig struct {
	MaxOutstandingPerNode int           `json:"max_outstanding_per_node" default:"64"`
	DefaultSliceTimeout   time.Duration `json:"default_slice_timeout" default:"30s"`
	BearerToken           string        `json:"-" env:"SCP_DISPATCH_BEARER_TOKEN"`
}

// AuditConfig configures the audit chain backend.
type AuditConfig struct {
	Provider string `json:"provider" env:"SCP_AUDIT_PROVIDER" default:"memory"`
	RedisURL string `json:"redis_url" env:"SCP_AUDIT_REDIS_URL"`
}

// ResilienceConfig mirrors the teacher's ResilienceConfig shape. No
// component reads it: the SVM orchestrator builds its per-node breakers over
// remote slice invocation from the resilience package's defaults.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
}

type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" default:"true"`
	ErrorThreshold   float64       `json:"error_threshold" default:"0.5"`
	VolumeThreshold  int           `json:"volume_threshold" default:"10"`
	SleepWindow      time.Duration `json:"sleep_window" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" default:"3"`
}

type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" default:"30s"`
	Multiplier      float64       `json:"multiplier" default:"2.0"`
}

// VaultConfig configures the HashiCorp Vault client used to resolve
// secretRef/vaultPath operands and LLM credentials.
type VaultConfig struct {
	Address string `json:"address" env:"VAULT_ADDR"`
	Token   string `json:"-" env:"VAULT_TOKEN"`
	Enabled bool   `json:"enabled" env:"SCP_VAULT_ENABLED" default:"false"`
}

// Option is a functional configuration override, applied after environment
// variables so callers can always win over ambient env state.
type Option func(*Config)

// WithNodeID sets the node id this process runs as.
func WithNodeID(id string) Option { return func(c *Config) { c.NodeID = id } }

// WithPort overrides the HTTP port.
func WithPort(port int) Option { return func(c *Config) { c.Port = port } }

// WithCatalogSigningSecret overrides the HMAC signing secret.
func WithCatalogSigningSecret(secret string) Option {
	return func(c *Config) { c.Catalog.SigningSecret = secret }
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		NodeID:    "central",
		Namespace: "default",
		Port:      8080,
		Catalog: CatalogConfig{
			CacheTTL: 24 * time.Hour,
		},
		Registry: RegistryConfig{
			Provider:          "memory",
			HeartbeatInterval: 10 * time.Second,
			OfflineMultiplier: 3,
		},
		Dispatch: DispatchConfig{
			MaxOutstandingPerNode: 64,
			DefaultSliceTimeout:   30 * time.Second,
		},
		Audit: AuditConfig{
			Provider: "memory",
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				ErrorThreshold:   0.5,
				VolumeThreshold:  10,
				SleepWindow:      30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
		},
	}
}

// Load builds a Config from defaults, environment variables, then options.
func Load(opts ...Option) (*Config, error) {
	cfg := Default()

	if v := os.Getenv("SCP_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("SCP_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("SCP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCP_PORT: %w", err)
		}
		cfg.Port = p
	}

	cfg.Catalog.SigningSecret = os.Getenv("CATALOG_SIGNING_SECRET")
	if v := os.Getenv("CATALOG_REVOKED_ENTRIES"); v != "" {
		cfg.Catalog.RevokedEntries = splitCSV(v)
	}
	if v := os.Getenv("SCP_CATALOG_REDIS_URL"); v != "" {
		cfg.Catalog.RedisURL = v
	}

	if v := os.Getenv("SCP_REGISTRY_PROVIDER"); v != "" {
		cfg.Registry.Provider = v
	}
	if v := os.Getenv("SCP_REGISTRY_REDIS_URL"); v != "" {
		cfg.Registry.RedisURL = v
	}

	if v := os.Getenv("SCP_DISPATCH_BEARER_TOKEN"); v != "" {
		cfg.Dispatch.BearerToken = v
	}

	if v := os.Getenv("SCP_AUDIT_PROVIDER"); v != "" {
		cfg.Audit.Provider = v
	}
	if v := os.Getenv("SCP_AUDIT_REDIS_URL"); v != "" {
		cfg.Audit.RedisURL = v
	}

	cfg.Vault.Address = os.Getenv("VAULT_ADDR")
	cfg.Vault.Token = os.Getenv("VAULT_TOKEN")
	cfg.Vault.Enabled = os.Getenv("SCP_VAULT_ENABLED") == "true"

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NodeURLEnvVar returns the environment variable name used to resolve a
// node's base URL when its registration payload omits one, per the external
// interfaces section: NODE_URL_<UPPERCASE_NODE_ID>.
func NodeURLEnvVar(nodeID string) string {
	return "NODE_URL_" + strings.ToUpper(strings.ReplaceAll(nodeID, "-", "_"))
}

// ResolveNodeURL looks up a node's base URL from the environment.
func ResolveNodeURL(nodeID string) (string, bool) {
	v := os.Getenv(NodeURLEnvVar(nodeID))
	return v, v != ""
}

// Validate checks invariants that must hold before the platform starts.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Dispatch.MaxOutstandingPerNode <= 0 {
		return fmt.Errorf("max outstanding per node must be positive")
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
