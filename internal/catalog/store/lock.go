package store

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RunLock guards a SQLite-backed store file against a second
// RunController process starting against the same DSN. MySQL-backed
// stores don't need this (the database itself arbitrates concurrent
// writers); it only matters for the single-writer file store.
type RunLock struct {
	fl *flock.Flock
}

// NewRunLock returns a lock for the given store path. path is typically
// the same path passed to NewSQLiteStore, with ".lock" appended so the
// lock file doesn't get mixed up with SQLite's own journal files.
func NewRunLock(path string) *RunLock {
	return &RunLock{fl: flock.New(path + ".lock")}
}

// TryAcquire attempts a non-blocking exclusive lock. It returns false,
// nil if another process already holds it.
func (r *RunLock) TryAcquire() (bool, error) {
	ok, err := r.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("store: acquire run lock: %w", err)
	}
	return ok, nil
}

// Release unlocks the file. Safe to call even if the lock was never
// acquired.
func (r *RunLock) Release() error {
	if !r.fl.Locked() {
		return nil
	}
	return r.fl.Unlock()
}
