// SPDX-License-Identifier: AGPL-3.0-only

// Package singleton elects the primary agent process for a history database.
// Only the primary runs scheduled report jobs.
package singleton

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Guard is a held primary-instance lock.
type Guard struct {
	flock *flock.Flock
}

// LockPath returns the lock file guarding dbPath.
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// TryAcquire takes the primary lock for dbPath without blocking. It returns
// the guard and true for the primary instance, or nil and false when another
// process already holds it.
func TryAcquire(dbPath string) (*Guard, bool, error) {
	lockPath := LockPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, false, fmt.Errorf("singleton: create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("singleton: try lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Guard{flock: fl}, true, nil
}

// Release gives up the lock. It is safe on a nil guard.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	return g.flock.Unlock()
}
