package git

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// staleLockAge is the age at which an index.lock is assumed abandoned
	// (holder crashed) and removed.
	staleLockAge = 10 * time.Minute

	// lockPollInterval is how often the guard re-checks a held lock.
	lockPollInterval = 100 * time.Millisecond

	// lockWaitBudget bounds how long the guard waits for a live holder.
	lockWaitBudget = 30 * time.Second
)

// awaitIndexLock blocks until the repository's index.lock is gone. A lock
// older than staleLockAge is removed on the assumption its holder died.
// Every operation that touches .git/index goes through this guard so a
// slow concurrent git process degrades to waiting, not to spurious
// "index.lock exists" failures.
func awaitIndexLock(gitDir string) error {
	lockPath := filepath.Join(gitDir, "index.lock")
	deadline := time.Now().Add(lockWaitBudget)

	for {
		info, err := os.Stat(lockPath)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat index lock: %w", err)
		}

		if time.Since(info.ModTime()) > staleLockAge {
			if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale index lock: %w", err)
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("index lock held too long: %s", lockPath)
		}
		time.Sleep(lockPollInterval)
	}
}
