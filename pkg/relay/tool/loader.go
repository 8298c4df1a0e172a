// Package tool implements discovery and loading of AI-callable tools.
// Loading follows the same configuration semantics as capability providers
// (absent feature map means permissive legacy mode), plus an optional
// self-validation step: a tool whose Validate() returns false — typically a
// missing credential — is excluded with a warning, not a hard failure.
package tool

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jholhewres/relay/pkg/relay/access"
)

// Registry holds the loaded, access-filtered set of tools.
type Registry struct {
	tools    map[string]Tool
	policies map[string]*access.Policy
	groups   access.GroupDefinitions
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(groups access.GroupDefinitions, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		policies: make(map[string]*access.Policy),
		groups:   groups,
		logger:   logger.With("component", "tools"),
	}
}

// Load filters the discovered tools by configuration and self-validation
// and registers the survivors. features may be nil for legacy permissive
// mode.
func (r *Registry) Load(discovered []Tool, features map[string]*access.Policy) {
	for _, t := range discovered {
		name := t.Metadata().Name

		var policy *access.Policy
		if features != nil {
			p, ok := features[name]
			if !ok {
				r.logger.Debug("tool not configured, skipping", "name", name)
				continue
			}
			policy = p
		}

		if v, ok := t.(SelfValidator); ok && !v.Validate() {
			r.logger.Warn("tool failed self-validation, excluded", "name", name)
			continue
		}

		r.mu.Lock()
		r.tools[name] = t
		r.policies[name] = policy
		r.mu.Unlock()

		r.logger.Info("tool loaded", "name", name, "category", t.Metadata().Category)
	}
}

// Get returns a loaded tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Accessible returns the tools the given request context may invoke, in
// descending priority order (name as tiebreak for stable listings).
func (r *Registry) Accessible(ctx access.Context) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if access.Check(r.policies[name], ctx, r.groups) {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Metadata(), out[j].Metadata()
		if mi.Priority != mj.Priority {
			return mi.Priority > mj.Priority
		}
		return mi.Name < mj.Name
	})
	return out
}

// Names returns the loaded tool names (unordered).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
