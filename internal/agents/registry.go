package agents

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds an agent from its manifest. Constructors must validate
// the manifest fields they consume and return a descriptive error otherwise.
type Constructor func(manifest Manifest, deps Dependencies) (Agent, error)

// Registry maps manifest kinds to constructors at compile time. Discovery
// finds manifests; the registry turns them into running agents.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Constructor)}
}

// Register binds a kind to a constructor. Registering a duplicate or empty
// kind is a programming error and fails loudly.
func (r *Registry) Register(kind string, constructor Constructor) error {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		return fmt.Errorf("agents: registry kind required")
	}
	if constructor == nil {
		return fmt.Errorf("agents: registry constructor required for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("agents: kind %q already registered", kind)
	}
	r.kinds[kind] = constructor
	return nil
}

// Build constructs an agent for the manifest's kind.
func (r *Registry) Build(manifest Manifest, deps Dependencies) (Agent, error) {
	kind := strings.TrimSpace(strings.ToLower(manifest.Kind))
	r.mu.RLock()
	constructor, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agents: unknown kind %q in manifest %s", manifest.Kind, manifest.Path)
	}
	agent, err := constructor(manifest, deps)
	if err != nil {
		return nil, fmt.Errorf("agents: construct %q: %w", manifest.ID, err)
	}
	return agent, nil
}

// Kinds lists the registered kinds, sorted, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
