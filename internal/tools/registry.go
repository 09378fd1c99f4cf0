package tools

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

var (
	// ErrToolNotFound is returned when no capability matches the name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when a name or alias is already taken.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Capability describes one registered tool: what it can do, how to
// reach it, and whether it is currently usable.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Operations  []string `json:"operations,omitempty"`
	Priority    int      `json:"priority"`
	Streaming   bool     `json:"streaming"`
	Available   bool     `json:"available"`
	Depends     []string `json:"depends,omitempty"`
	// Timeout is the tool's default execution budget in milliseconds;
	// Retries its default retry budget. Zero defers to the executor.
	Timeout int64 `json:"timeout,omitempty"`
	Retries int   `json:"retries,omitempty"`
}

// Registry tracks tool capabilities and their executors.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	aliases      map[string]string
	executors    map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]*Capability),
		aliases:      make(map[string]string),
		executors:    make(map[string]Executor),
	}
}

// Register adds a capability with its executor. Names and aliases must
// be unique across the registry.
func (r *Registry) Register(cap Capability, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cap.Name == "" {
		return fmt.Errorf("registering tool: empty name")
	}
	if _, exists := r.capabilities[cap.Name]; exists {
		return fmt.Errorf("registering %s: %w", cap.Name, ErrDuplicateTool)
	}
	if _, taken := r.aliases[cap.Name]; taken {
		return fmt.Errorf("registering %s: name collides with an alias: %w", cap.Name, ErrDuplicateTool)
	}
	for _, alias := range cap.Aliases {
		if _, exists := r.capabilities[alias]; exists {
			return fmt.Errorf("registering %s: alias %s collides with a tool name: %w", cap.Name, alias, ErrDuplicateTool)
		}
		if owner, taken := r.aliases[alias]; taken && owner != cap.Name {
			return fmt.Errorf("registering %s: alias %s already owned by %s: %w", cap.Name, alias, owner, ErrDuplicateTool)
		}
	}

	stored := cap
	r.capabilities[cap.Name] = &stored
	for _, alias := range cap.Aliases {
		r.aliases[alias] = cap.Name
	}
	r.executors[cap.Name] = exec
	log.Printf("[Registry] registered tool %s (priority %d, %d aliases)", cap.Name, cap.Priority, len(cap.Aliases))
	return nil
}

// Unregister removes a capability and its aliases.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cap, ok := r.capabilities[name]
	if !ok {
		return fmt.Errorf("unregistering %s: %w", name, ErrToolNotFound)
	}
	for _, alias := range cap.Aliases {
		delete(r.aliases, alias)
	}
	delete(r.capabilities, name)
	delete(r.executors, name)
	return nil
}

// Get resolves a name or alias to its capability.
func (r *Registry) Get(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(name)
}

// resolve looks up name directly, then through the alias table.
// Caller must hold at least the read lock.
func (r *Registry) resolve(name string) (*Capability, bool) {
	if cap, ok := r.capabilities[name]; ok {
		copied := *cap
		return &copied, true
	}
	if canonical, ok := r.aliases[name]; ok {
		if cap, ok := r.capabilities[canonical]; ok {
			copied := *cap
			return &copied, true
		}
	}
	return nil, false
}

// ExecutorFor returns the executor for a name or alias.
func (r *Registry) ExecutorFor(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exec, ok := r.executors[name]; ok {
		return exec, true
	}
	if canonical, ok := r.aliases[name]; ok {
		exec, ok := r.executors[canonical]
		return exec, ok
	}
	return nil, false
}

// IsAvailable reports whether the tool exists and is marked available.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.resolve(name)
	return ok && cap.Available
}

// SetAvailability flips the availability flag on a tool.
func (r *Registry) SetAvailability(name string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := name
	if mapped, ok := r.aliases[name]; ok {
		canonical = mapped
	}
	cap, ok := r.capabilities[canonical]
	if !ok {
		return fmt.Errorf("setting availability of %s: %w", name, ErrToolNotFound)
	}
	cap.Available = available
	return nil
}

// AvailableTools returns available capabilities sorted by priority,
// highest first, ties broken by name.
func (r *Registry) AvailableTools() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Capability
	for _, cap := range r.capabilities {
		if cap.Available {
			out = append(out, *cap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ToolsByOperation returns capabilities advertising the operation.
func (r *Registry) ToolsByOperation(operation string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Capability
	for _, cap := range r.capabilities {
		for _, op := range cap.Operations {
			if op == operation {
				out = append(out, *cap)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StreamingTools returns capabilities that support streaming output.
func (r *Registry) StreamingTools() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Capability
	for _, cap := range r.capabilities {
		if cap.Streaming {
			out = append(out, *cap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateDependencies checks that every declared dependency of every
// registered tool resolves to a registered tool.
func (r *Registry) ValidateDependencies() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, cap := range r.capabilities {
		for _, dep := range cap.Depends {
			if _, ok := r.resolve(dep); !ok {
				return fmt.Errorf("tool %s depends on unregistered tool %s", name, dep)
			}
		}
	}
	return nil
}

// CheckDependencies reports whether one tool's declared dependencies
// all resolve, returning the names that are missing.
func (r *Registry) CheckDependencies(name string) (bool, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.resolve(name)
	if !ok {
		return false, []string{name}
	}
	var missing []string
	for _, dep := range cap.Depends {
		if _, ok := r.resolve(dep); !ok {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

// Stats summarizes the registry contents.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Streaming int `json:"streaming"`
	Aliases   int `json:"aliases"`
}

// GetStats returns registry counters.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.capabilities), Aliases: len(r.aliases)}
	for _, cap := range r.capabilities {
		if cap.Available {
			stats.Available++
		}
		if cap.Streaming {
			stats.Streaming++
		}
	}
	return stats
}
