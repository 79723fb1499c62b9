// Package lock provides named, cross-process shared/exclusive locks over
// OS-level advisory file locks. Correctness holds across independent
// processes, not merely across goroutines in one process.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// The two shared resources every process coordinates on.
const (
	ResourceGraph  = "graph"
	ResourceVector = "vector"
)

// ErrTimeout is returned when a lock could not be acquired within the
// configured wait. Fatal to the requesting operation only; the caller
// decides its own retry policy.
var ErrTimeout = errors.New("lock acquisition timed out")

const pollInterval = 50 * time.Millisecond

// Coordinator hands out leases on named resources. One lock file per
// resource lives under Dir.
type Coordinator struct {
	dir    string
	logger *zap.Logger
}

func NewCoordinator(dir string, logger *zap.Logger) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir '%s': %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{dir: dir, logger: logger}, nil
}

// Lease is a held lock. Release is idempotent and must run on every exit
// path; callers defer it immediately after Acquire.
type Lease struct {
	resource  string
	exclusive bool
	file      *os.File
	logger    *zap.Logger
}

// Acquire takes a shared or exclusive lock on the named resource, blocking
// up to timeout. It polls a non-blocking flock so a crashed peer never
// wedges us past the deadline; on expiry it fails loudly with ErrTimeout.
func (c *Coordinator) Acquire(resource string, exclusive bool, timeout time.Duration) (*Lease, error) {
	path := filepath.Join(c.dir, resource+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file '%s': %w", path, err)
	}

	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}

	deadline := time.Now().Add(timeout)
	for {
		err := flockNB(file, exclusive)
		if err == nil {
			c.logger.Debug("lock acquired", zap.String("resource", resource), zap.String("mode", mode))
			return &Lease{resource: resource, exclusive: exclusive, file: file, logger: c.logger}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			file.Close()
			return nil, fmt.Errorf("flock on '%s': %w", resource, err)
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, fmt.Errorf("%s lock on '%s' not acquired within %s: %w", mode, resource, timeout, ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
}

// AcquireBoth takes graph then vector in a fixed order so two processes can
// never deadlock against each other. Either both locks are held or neither.
func (c *Coordinator) AcquireBoth(exclusive bool, timeout time.Duration) (*Lease, *Lease, error) {
	graph, err := c.Acquire(ResourceGraph, exclusive, timeout)
	if err != nil {
		return nil, nil, err
	}
	vector, err := c.Acquire(ResourceVector, exclusive, timeout)
	if err != nil {
		graph.Release()
		return nil, nil, err
	}
	return graph, vector, nil
}

// Release drops the lock. Failures are logged, not raised: by the time a
// release fails the critical section is already over.
func (l *Lease) Release() {
	if l == nil || l.file == nil {
		return
	}
	if err := funlock(l.file); err != nil {
		l.logger.Warn("failed to release lock", zap.String("resource", l.resource), zap.Error(err))
	}
	l.file.Close()
	l.file = nil
	l.logger.Debug("lock released", zap.String("resource", l.resource))
}

// IsLocked reports whether another process currently holds an exclusive
// lock on the resource. Diagnostic only; never a substitute for Acquire.
func (c *Coordinator) IsLocked(resource string) bool {
	path := filepath.Join(c.dir, resource+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer file.Close()

	if err := flockNB(file, true); err != nil {
		return true
	}
	_ = funlock(file)
	return false
}
