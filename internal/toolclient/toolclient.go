// Package toolclient is the external tool-invocation transport: a
// registry of named Tool implementations plus a per-tool circuit breaker
// in front of each one, so one misbehaving tool's trip never gates
// requests to the others.
package toolclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tomwolfe/intentsaga/internal/compat"
)

// Tool is an invokable external action. Implementations should validate
// their own input and respect ctx cancellation; toolclient adds the
// circuit breaker and nothing else.
type Tool interface {
	Name() string
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ErrToolNotFound is returned by Client.Invoke for an unregistered tool
// name.
var ErrToolNotFound = errors.New("toolclient: tool not found")

// Registry holds registered tools and their declared alias->primary
// parameter name mappings. It satisfies
// internal/scheduler's ToolRegistry interface via Aliases.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	aliases  map[string]map[string]string
	versions map[string]compat.ToolVersionInfo
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		aliases:  make(map[string]map[string]string),
		versions: make(map[string]compat.ToolVersionInfo),
	}
}

// RegisterVersion attaches the declared version/schema a registered tool
// currently speaks, consulted by internal/compat.Guard.CheckResume on
// resume. Tools registered without a call to RegisterVersion never appear
// in CurrentVersions, so CheckResume blocks a resume whose checkpoint
// recorded a version for such a tool.
func (r *Registry) RegisterVersion(name, version string, schema compat.ShapeMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[name] = compat.ToolVersionInfo{Version: version, Schema: schema}
}

// CurrentVersions returns a snapshot of every tool's declared version
// info, keyed by name — the "current" side of compat.Guard.CheckResume.
func (r *Registry) CurrentVersions() map[string]compat.ToolVersionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]compat.ToolVersionInfo, len(r.versions))
	for k, v := range r.versions {
		out[k] = v
	}
	return out
}

// Register adds t under its own Name(), with an optional alias->primary
// field map for ApplyAliases.
func (r *Registry) Register(t Tool, aliases map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	if len(aliases) > 0 {
		r.aliases[t.Name()] = aliases
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Aliases returns the declared alias->primary map for toolName, or nil.
func (r *Registry) Aliases(toolName string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aliases[toolName]
}

// BreakerSettings configures the per-tool circuit breaker. Defaults:
// trip after 3 consecutive failures, half-open after Timeout, allow 2
// trial requests.
type BreakerSettings struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerSettings returns the stock breaker policy.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

// Client invokes registered tools, each behind its own lazily-created
// circuit breaker so one misbehaving tool cannot starve requests to
// others.
type Client struct {
	registry *Registry
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient wraps registry. Zero-value settings fall back to
// DefaultBreakerSettings.
func NewClient(registry *Registry, settings BreakerSettings) *Client {
	if settings.Timeout == 0 {
		settings = DefaultBreakerSettings()
	}
	return &Client{
		registry: registry,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          name,
		MaxRequests:   c.settings.MaxRequests,
		Interval:      c.settings.Interval,
		Timeout:       c.settings.Timeout,
		ReadyToTrip:   c.settings.ReadyToTrip,
		OnStateChange: c.settings.OnStateChange,
	})
	c.breakers[name] = b
	return b
}

// Invoke runs toolName's Call through its circuit breaker. Returns
// ErrToolNotFound for an unregistered name, gobreaker's own open-state
// error when the breaker is tripped, or the tool's own error otherwise —
// internal/runner classifies these into the closed error-code taxonomy.
func (c *Client) Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	t, ok := c.registry.Get(toolName)
	if !ok {
		return nil, ErrToolNotFound
	}
	breaker := c.breakerFor(toolName)
	result, err := breaker.Execute(func() (interface{}, error) {
		return t.Call(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	out, _ := result.(map[string]any)
	return out, nil
}
