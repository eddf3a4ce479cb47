package ingest

import (
	"errors"
	"strings"
	"sync"
)

// ErrRunInProgress is returned by Run when the agency's lease is held.
var ErrRunInProgress = errors.New("a run for this agency is already in progress")

// Locker leases an agency for the duration of one run. A cluster-wide lease
// implements this interface outside the process.
type Locker interface {
	// TryLock returns a release func, or ok=false when the lease is held.
	TryLock(agency string) (release func(), ok bool)
}

// MemLocker is an in-process Locker.
type MemLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemLocker returns an empty MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{held: make(map[string]bool)}
}

func (l *MemLocker) TryLock(agency string) (func(), bool) {
	key := strings.ToUpper(agency)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}
