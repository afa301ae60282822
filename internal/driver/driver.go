package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentgate/internal/events"
)

// Capabilities advertises what a driver can do so the controller can adapt
// its requests.
type Capabilities struct {
	SupportsSessionResume    bool
	SupportsStructuredOutput bool
	SupportsToolRestriction  bool
	SupportsTimeout          bool
	MaxTurns                 int
}

// Request is one agent invocation.
type Request struct {
	WorkspacePath string
	Task          string
	// Feedback is the prior iteration's structured feedback, if any.
	Feedback string
	// SessionID resumes a previous agent session when the driver supports it.
	SessionID string
	// Constraints.
	MaxTurns               int
	AdditionalSystemPrompt string
	Timeout                time.Duration
	// GatePlanSummary tells the agent what will be verified.
	GatePlanSummary string
}

// Result is the outcome of one invocation.
type Result struct {
	Success          bool
	ExitCode         int
	Stdout           string
	Stderr           string
	StructuredOutput map[string]any
	SessionID        string
	TokensUsed       int64
	DurationMs       int64
	TimedOut         bool
	Cancelled        bool
}

// ExecOptions carries per-invocation wiring. Supplying Callback together
// with WorkOrderID and RunID switches the driver to streaming mode.
type ExecOptions struct {
	Callback    func(events.Event)
	WorkOrderID string
	RunID       string
	// OnSpawn reports the child pid right after a successful spawn so the
	// caller can register the process for lifecycle tracking.
	OnSpawn func(pid int)
}

// Driver is an adapter around one external coding agent.
type Driver interface {
	Name() string
	IsAvailable() bool
	Capabilities() Capabilities
	Execute(ctx context.Context, req Request, opts ExecOptions) (Result, error)
}

// Registry holds drivers keyed by lowercase name. The first driver
// registered becomes the default. The registry is effectively read-only
// after startup.
type Registry struct {
	mu          sync.RWMutex
	drivers     map[string]Driver
	defaultName string
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Re-registering a name replaces the prior driver.
func (r *Registry) Register(d Driver) {
	key := strings.ToLower(d.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.drivers) == 0 {
		r.defaultName = key
	}
	r.drivers[key] = d
}

// Get resolves a driver by name; empty name resolves the default.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.ToLower(name)
	if key == "" {
		key = r.defaultName
	}
	d, ok := r.drivers[key]
	if !ok {
		return nil, fmt.Errorf("unknown agent driver: %q", name)
	}
	return d, nil
}

// Names lists registered driver names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}
