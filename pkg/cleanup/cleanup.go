// Package cleanup removes agency files from the remote endpoint once their
// outcome is durable.
package cleanup

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/remote"
)

// Outcome is the result of one Finalize call.
type Outcome string

const (
	// Deleted means this call removed the file.
	Deleted Outcome = "deleted"
	// Retained means the file was left because nothing was applied.
	Retained Outcome = "retained"
	// AlreadyGone means the file was no longer on the endpoint.
	AlreadyGone Outcome = "already_gone"
	// Failed means the delete errored; the file needs manual cleanup.
	Failed Outcome = "failed"
)

// CleanupError reports a failed delete. Applied transitions stand.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("delete %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Coordinator serialises deletes per remote path.
type Coordinator struct {
	store  remote.FileStore
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a Coordinator deleting through store.
func New(store remote.FileStore, logger *zap.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, logger: logger, locks: make(map[string]*pathLock)}, nil
}

// Finalize deletes f when applied is true. Concurrent calls for the same
// path run one at a time, so at most one of them reports Deleted.
func (c *Coordinator) Finalize(ctx context.Context, f discovery.RemoteFile, applied bool) (Outcome, error) {
	p := f.Path()
	if !applied {
		c.logger.Debug("Retaining remote file", zap.String("path", p))
		return Retained, nil
	}

	unlock := c.lock(p)
	defer unlock()

	removed, err := c.store.Delete(ctx, p)
	if err != nil {
		c.logger.Error("SFTP delete failed, manual cleanup required",
			zap.String("agency", f.Agency),
			zap.String("path", p),
			zap.Error(err))
		return Failed, &CleanupError{Path: p, Err: err}
	}
	if !removed {
		c.logger.Info("Remote file already removed", zap.String("path", p))
		return AlreadyGone, nil
	}
	c.logger.Info("Deleted remote file", zap.String("agency", f.Agency), zap.String("path", p))
	return Deleted, nil
}

func (c *Coordinator) lock(p string) func() {
	c.mu.Lock()
	l, ok := c.locks[p]
	if !ok {
		l = &pathLock{}
		c.locks[p] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, p)
		}
		c.mu.Unlock()
	}
}
