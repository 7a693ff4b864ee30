package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults used when neither a server entry nor the defaults
// block sets a value.
const (
	DefaultTimeout               = 30 * time.Second
	DefaultRetryAttempts         = 3
	DefaultRetryDelay            = time.Second
	DefaultMaxConcurrentRequests = 10
	DefaultHealthCheckInterval   = 60 * time.Second
	DefaultToolsCacheTTL         = 5 * time.Minute
	DefaultCircuitCooldown       = 60 * time.Second

	defaultBridgeRetryDelay = 500 * time.Millisecond
	defaultRateLimitDelay   = time.Second
)

// AllServers is the wildcard entry in the agent permission map that
// grants an agent access to every configured server.
const AllServers = "all"

// ServerDescriptor describes how to launch and talk to one tool server.
// Descriptors are created once when the registry is built and are
// treated as immutable afterwards; [Registry] hands out deep copies.
type ServerDescriptor struct {
	Name    string
	Command string
	Args    []string

	// Env holds extra environment variables for the subprocess. Values
	// may contain ${VAR} placeholders, resolved by [ResolveEnv] when the
	// connection is established.
	Env map[string]string

	Timeout               time.Duration
	RetryAttempts         int
	RetryDelay            time.Duration
	MaxConcurrentRequests int

	// HealthCheckInterval is the ping period. Zero disables health checks.
	HealthCheckInterval time.Duration
	ToolsCacheTTL       time.Duration

	// CircuitThreshold is the number of consecutive connect failures
	// that opens the circuit breaker for CircuitCooldown.
	CircuitThreshold int
	CircuitCooldown  time.Duration

	Permissions []string
	Features    []string
	Agents      []string

	// Alternates are servers that can stand in for this one when the
	// recovery engine substitutes a server.
	Alternates []string
}

// Validate reports configuration errors that would make the server
// unusable.
func (d ServerDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("server name is required")
	}
	if d.Command == "" {
		return fmt.Errorf("server %s: command is required", d.Name)
	}
	if d.RetryAttempts < 1 {
		return fmt.Errorf("server %s: retry_attempts must be at least 1", d.Name)
	}
	if d.MaxConcurrentRequests < 1 {
		return fmt.Errorf("server %s: max_concurrent_requests must be at least 1", d.Name)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("server %s: timeout must be positive", d.Name)
	}
	if d.CircuitThreshold < 1 {
		return fmt.Errorf("server %s: circuit_breaker_threshold must be at least 1", d.Name)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (d ServerDescriptor) Clone() ServerDescriptor {
	out := d
	out.Args = slices.Clone(d.Args)
	out.Permissions = slices.Clone(d.Permissions)
	out.Features = slices.Clone(d.Features)
	out.Agents = slices.Clone(d.Agents)
	out.Alternates = slices.Clone(d.Alternates)
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return out
}

// HasFeature reports whether the server declares the given feature tag.
func (d ServerDescriptor) HasFeature(feature string) bool {
	return slices.Contains(d.Features, feature)
}

// WithDefaults fills zero-valued tuning fields with the built-in
// defaults. Useful for descriptors constructed in code rather than
// loaded from YAML.
func (d ServerDescriptor) WithDefaults() ServerDescriptor {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.RetryAttempts <= 0 {
		d.RetryAttempts = DefaultRetryAttempts
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.MaxConcurrentRequests <= 0 {
		d.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if d.ToolsCacheTTL <= 0 {
		d.ToolsCacheTTL = DefaultToolsCacheTTL
	}
	if d.CircuitThreshold <= 0 {
		d.CircuitThreshold = d.RetryAttempts
	}
	if d.CircuitCooldown <= 0 {
		d.CircuitCooldown = DefaultCircuitCooldown
	}
	return d
}

// Registry is the validated set of enabled servers plus the agent
// permission map.
type Registry struct {
	servers map[string]ServerDescriptor
	agents  AgentPermissions
}

// NewRegistry validates descriptors and builds a registry. Duplicate
// names are rejected.
func NewRegistry(descs []ServerDescriptor, agents map[string][]string) (*Registry, error) {
	r := &Registry{
		servers: make(map[string]ServerDescriptor, len(descs)),
		agents:  make(AgentPermissions, len(agents)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.servers[d.Name]; dup {
			return nil, fmt.Errorf("duplicate server %q", d.Name)
		}
		r.servers[d.Name] = d.Clone()
	}
	for agent, servers := range agents {
		r.agents[agent] = slices.Clone(servers)
	}
	return r, nil
}

// Server returns a copy of the named descriptor.
func (r *Registry) Server(name string) (ServerDescriptor, bool) {
	d, ok := r.servers[name]
	if !ok {
		return ServerDescriptor{}, false
	}
	return d.Clone(), true
}

// Names returns server names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns the agent permission map.
func (r *Registry) Agents() AgentPermissions {
	return r.agents
}

// AgentPermissions maps an agent identity to the servers it may use.
type AgentPermissions map[string][]string

// Allows reports whether agent may call tools on server. An entry of
// [AllServers] grants every server.
func (p AgentPermissions) Allows(agent, server string) bool {
	for _, s := range p[agent] {
		if s == AllServers || s == server {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that unmarshals from either a Go
// duration string ("30s", "1m30s") or a bare number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
