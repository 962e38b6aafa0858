package orchestrator

import "sync"

// ExhaustionRegistry tracks providers that are currently unusable for a
// project (rate limited, out of credit, bad credentials). Admission skips
// tasks whose agent config needs an exhausted provider; the tasks stay
// ready and dispatch resumes once the provider is cleared.
type ExhaustionRegistry struct {
	mu      sync.RWMutex
	reasons map[string]string
}

// NewExhaustionRegistry creates an empty registry.
func NewExhaustionRegistry() *ExhaustionRegistry {
	return &ExhaustionRegistry{reasons: make(map[string]string)}
}

// MarkExhausted records a provider as unusable.
func (r *ExhaustionRegistry) MarkExhausted(provider, reason string) {
	if provider == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[provider] = reason
}

// Clear makes a provider dispatchable again.
func (r *ExhaustionRegistry) Clear(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reasons, provider)
}

// IsExhausted reports whether the provider is marked. The empty provider is
// never exhausted.
func (r *ExhaustionRegistry) IsExhausted(provider string) bool {
	if provider == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reasons[provider]
	return ok
}

// Exhausted returns the marked providers and their reasons.
func (r *ExhaustionRegistry) Exhausted() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.reasons))
	for p, reason := range r.reasons {
		out[p] = reason
	}
	return out
}
