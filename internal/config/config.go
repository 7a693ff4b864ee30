// Package config handles toolbridge configuration loading: the tool
// server registry, the agent permission map, and the settings for the
// bridge, audit trail, and usage stores.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./toolbridge.yaml, ~/.config/toolbridge/config.yaml,
// /etc/toolbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolbridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/toolbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolbridge configuration as read from YAML. Server
// entries are kept in their raw form; [Config.Registry] turns them into
// immutable [ServerDescriptor] values.
type Config struct {
	DataDir  string                 `yaml:"data_dir"`
	LogLevel string                 `yaml:"log_level"`
	Defaults ServerDefaults         `yaml:"defaults"`
	Servers  map[string]ServerEntry `yaml:"servers"`
	Agents   map[string][]string    `yaml:"agents"`
	Bridge   BridgeConfig           `yaml:"bridge"`
	Audit    StoreConfig            `yaml:"audit"`
	Usage    StoreConfig            `yaml:"usage"`
}

// ServerEntry is one tool server as written in the registry. Pointer
// fields distinguish "absent" (inherit from defaults) from an explicit
// zero value.
type ServerEntry struct {
	Command                 string            `yaml:"command"`
	Args                    []string          `yaml:"args"`
	Env                     map[string]string `yaml:"env"`
	Enabled                 *bool             `yaml:"enabled"`
	Permissions             []string          `yaml:"permissions"`
	Timeout                 *Duration         `yaml:"timeout"`
	RetryAttempts           *int              `yaml:"retry_attempts"`
	RetryDelay              *Duration         `yaml:"retry_delay"`
	MaxConcurrentRequests   *int              `yaml:"max_concurrent_requests"`
	HealthCheckInterval     *Duration         `yaml:"health_check_interval"`
	ToolsCacheTTL           *Duration         `yaml:"tools_cache_ttl"`
	CircuitBreakerThreshold *int              `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  *Duration         `yaml:"circuit_breaker_cooldown"`
	Features                []string          `yaml:"features"`
	Agents                  []string          `yaml:"agents"`
	Alternates              []string          `yaml:"alternates"`
}

// ServerDefaults are applied to every server entry that does not set
// the corresponding field itself.
type ServerDefaults struct {
	Timeout                 Duration `yaml:"timeout"`
	RetryAttempts           int      `yaml:"retry_attempts"`
	RetryDelay              Duration `yaml:"retry_delay"`
	MaxConcurrentRequests   int      `yaml:"max_concurrent_requests"`
	HealthCheckInterval     Duration `yaml:"health_check_interval"`
	ToolsCacheTTL           Duration `yaml:"tools_cache_ttl"`
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  Duration `yaml:"circuit_breaker_cooldown"`
}

// BridgeConfig controls call-level retry in the agent bridge. This is
// separate from a connection's own connect retry.
type BridgeConfig struct {
	// RetryAttempts is the number of times a failed call is attempted
	// in total before recovery strategies run (default 2).
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the initial delay between call attempts (default 500ms).
	RetryDelay Duration `yaml:"retry_delay"`
	// RateLimitDelay is used when a rate-limited server supplies no
	// retry hint (default 1s).
	RateLimitDelay Duration `yaml:"rate_limit_delay"`
	// RecoveryAttempts bounds the retries a single recovery strategy
	// may make (default 3).
	RecoveryAttempts int `yaml:"recovery_attempts"`
}

// StoreConfig locates a sqlite database. An empty Path disables the store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file. Environment placeholders
// in server env values are left untouched; they are resolved at
// connect time by [ResolveEnv].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration from YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.DataDir = ExpandHome(c.DataDir)
	c.Audit.Path = c.resolveDataPath(c.Audit.Path)
	c.Usage.Path = c.resolveDataPath(c.Usage.Path)

	if c.Bridge.RetryAttempts <= 0 {
		c.Bridge.RetryAttempts = 2
	}
	if c.Bridge.RetryDelay <= 0 {
		c.Bridge.RetryDelay = Duration(defaultBridgeRetryDelay)
	}
	if c.Bridge.RateLimitDelay <= 0 {
		c.Bridge.RateLimitDelay = Duration(defaultRateLimitDelay)
	}
	if c.Bridge.RecoveryAttempts <= 0 {
		c.Bridge.RecoveryAttempts = 3
	}
}

// resolveDataPath expands ~ and anchors relative paths under DataDir.
func (c *Config) resolveDataPath(p string) string {
	if p == "" || p == ":memory:" {
		return p
	}
	p = ExpandHome(p)
	if !filepath.IsAbs(p) && c.DataDir != "" {
		return filepath.Join(c.DataDir, p)
	}
	return p
}

// Registry builds the immutable server registry from the raw entries.
// Disabled servers are skipped entirely.
func (c *Config) Registry() (*Registry, error) {
	descs := make([]ServerDescriptor, 0, len(c.Servers))
	for name, entry := range c.Servers {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		d, err := c.descriptor(name, entry)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return NewRegistry(descs, c.Agents)
}

func (c *Config) descriptor(name string, e ServerEntry) (ServerDescriptor, error) {
	d := ServerDescriptor{
		Name:        name,
		Command:     strings.TrimSpace(e.Command),
		Args:        e.Args,
		Env:         e.Env,
		Permissions: e.Permissions,
		Features:    e.Features,
		Agents:      e.Agents,
		Alternates:  e.Alternates,
	}

	def := c.Defaults
	d.Timeout = pickDuration(e.Timeout, def.Timeout, DefaultTimeout)
	d.RetryAttempts = pickInt(e.RetryAttempts, def.RetryAttempts, DefaultRetryAttempts)
	d.RetryDelay = pickDuration(e.RetryDelay, def.RetryDelay, DefaultRetryDelay)
	d.MaxConcurrentRequests = pickInt(e.MaxConcurrentRequests, def.MaxConcurrentRequests, DefaultMaxConcurrentRequests)
	d.ToolsCacheTTL = pickDuration(e.ToolsCacheTTL, def.ToolsCacheTTL, DefaultToolsCacheTTL)
	d.CircuitCooldown = pickDuration(e.CircuitBreakerCooldown, def.CircuitBreakerCooldown, DefaultCircuitCooldown)

	// Zero is a meaningful health interval (disabled), so only an
	// absent field falls through to the defaults.
	switch {
	case e.HealthCheckInterval != nil:
		d.HealthCheckInterval = e.HealthCheckInterval.Std()
	case def.HealthCheckInterval > 0:
		d.HealthCheckInterval = def.HealthCheckInterval.Std()
	default:
		d.HealthCheckInterval = DefaultHealthCheckInterval
	}

	// The breaker opens after as many consecutive failures as one
	// connect cycle makes, unless configured otherwise.
	d.CircuitThreshold = pickInt(e.CircuitBreakerThreshold, def.CircuitBreakerThreshold, d.RetryAttempts)

	if err := d.Validate(); err != nil {
		return ServerDescriptor{}, err
	}
	return d, nil
}

func pickInt(v *int, def, fallback int) int {
	if v != nil && *v > 0 {
		return *v
	}
	if def > 0 {
		return def
	}
	return fallback
}

func pickDuration(v *Duration, def Duration, fallback time.Duration) time.Duration {
	if v != nil && *v > 0 {
		return v.Std()
	}
	if def > 0 {
		return def.Std()
	}
	return fallback
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
