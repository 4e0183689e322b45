// ABOUTME: Port allocator handing out host ports for sandbox analytics UIs.
// ABOUTME: Tracks allocations in memory; ports return to the pool on release.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrExhausted is returned when every port in the configured range is in use.
var ErrExhausted = errors.New("port range exhausted")

// Allocator hands out host ports from a fixed contiguous range. It is safe
// for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	base   int
	count  int
	inUse  map[int]bool
	logger *slog.Logger
}

// NewAllocator creates an allocator for the range [base, base+count).
func NewAllocator(base, count int) (*Allocator, error) {
	if base <= 0 || base > 65535 {
		return nil, fmt.Errorf("invalid port base %d", base)
	}
	if count <= 0 || base+count > 65536 {
		return nil, fmt.Errorf("invalid port range %d-%d", base, base+count-1)
	}
	return &Allocator{
		base:   base,
		count:  count,
		inUse:  make(map[int]bool),
		logger: slog.Default().With("component", "ports"),
	}, nil
}

// Acquire returns the lowest free port in the range, or ErrExhausted when
// none remain.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.base; p < a.base+a.count; p++ {
		if !a.inUse[p] {
			a.inUse[p] = true
			a.logger.Debug("port acquired", "port", p, "in_use", len(a.inUse))
			return p, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a port that is not held,
// or one outside the range, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inUse[port] {
		return
	}
	delete(a.inUse, port)
	a.logger.Debug("port released", "port", port, "in_use", len(a.inUse))
}

// InUse reports how many ports are currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Capacity reports the total size of the port range.
func (a *Allocator) Capacity() int {
	return a.count
}
