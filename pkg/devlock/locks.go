// Package devlock enforces at most one destructive or verifying operation
// per target device.
package devlock

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/isoflash/isoflash/pkg/errors"
)

// ErrAlreadyInProgress is returned when the device is held by another operation.
var ErrAlreadyInProgress = errors.New("operation already in progress on device")

// Registry tracks held device paths.
type Registry struct {
	mu   sync.Mutex
	held map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]string)}
}

// TryAcquire takes the lock for path on behalf of op, or fails immediately.
// The returned release function is safe to call more than once.
func (r *Registry) TryAcquire(path, op string) (func(), error) {
	key := filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.held[key]; ok {
		slog.Warn("device_lock_busy", "device", key, "holder", holder, "requested_by", op)
		return nil, fmt.Errorf("%w: %s is busy with %s", ErrAlreadyInProgress, key, holder)
	}
	r.held[key] = op

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}, nil
}

// Holder returns the operation holding path, if any.
func (r *Registry) Holder(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.held[filepath.Clean(path)]
	return op, ok
}

// Held lists locked device paths.
func (r *Registry) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.held))
	for p := range r.held {
		paths = append(paths, p)
	}
	return paths
}
