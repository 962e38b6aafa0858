package orchestrator

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/opensprint/opensprint/internal/project"
)

// ScopesConflict reports whether two tasks' scope globs could touch the
// same files. Overlap is approximated pattern-against-pattern: one scope's
// glob matching the other's pattern text (or an exact equality) counts as a
// conflict. Tasks without scope metadata follow the project's unknown-scope
// strategy: allow runs them alongside anything, serialize treats them as
// conflicting with everything.
func ScopesConflict(a, b []string, strategy project.UnknownScopeStrategy) bool {
	if len(a) == 0 || len(b) == 0 {
		return strategy == project.ScopeSerialize
	}
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return true
			}
			if ok, err := doublestar.Match(pa, pb); err == nil && ok {
				return true
			}
			if ok, err := doublestar.Match(pb, pa); err == nil && ok {
				return true
			}
		}
	}
	return false
}
