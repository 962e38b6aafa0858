package git

import (
	"github.com/bmatcuk/doublestar/v4"
)

// RuntimeExcludes is the single authoritative list of orchestrator state
// paths that must never reach the integration branch. WIP commits, merge
// auto-resolution, and worktree cleanup all consult this list; keeping one
// copy avoids the call sites drifting apart.
var RuntimeExcludes = []string{
	".opensprint/pending-commits.json",
	".opensprint/sessions/**",
	".opensprint/active/**",
}

// Excluded reports whether a repository-relative path is runtime-only.
func Excluded(path string) bool {
	for _, pattern := range RuntimeExcludes {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// PartitionConflicts splits conflicted files into runtime-only paths (safe
// to auto-resolve by deletion) and real conflicts needing a resolver.
func PartitionConflicts(files []string) (infra, real []string) {
	for _, f := range files {
		if Excluded(f) {
			infra = append(infra, f)
		} else {
			real = append(real, f)
		}
	}
	return infra, real
}
