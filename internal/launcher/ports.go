package launcher

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPortsExhausted is returned when every port in the allocator's range is
// in use.
var ErrPortsExhausted = errors.New("port range exhausted")

// PortAllocator hands out ports from a fixed range. Allocation walks forward
// from the last handed out port, wraps at the end of the range and skips
// ports still in use.
type PortAllocator struct {
	mu    sync.Mutex
	first int
	last  int
	next  int
	inUse map[int]struct{}
}

// NewPortAllocator returns an allocator over [first, last].
func NewPortAllocator(first, last int) (*PortAllocator, error) {
	if first <= 0 || last > 65535 || first > last {
		return nil, fmt.Errorf("invalid port range %d-%d", first, last)
	}
	return &PortAllocator{
		first: first,
		last:  last,
		next:  first,
		inUse: make(map[int]struct{}),
	}, nil
}

// Alloc reserves the next free port.
func (a *PortAllocator) Alloc() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	for {
		p := a.next
		a.next++
		if a.next > a.last {
			a.next = a.first
		}
		if _, used := a.inUse[p]; !used {
			a.inUse[p] = struct{}{}
			return p, nil
		}
		if a.next == start {
			return 0, fmt.Errorf("%w: %d-%d", ErrPortsExhausted, a.first, a.last)
		}
	}
}

// Reserve marks an explicitly chosen port as used. Ports outside the range
// are accepted and ignored.
func (a *PortAllocator) Reserve(port int) error {
	if port < a.first || port > a.last {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, used := a.inUse[port]; used {
		return fmt.Errorf("port %d already in use", port)
	}
	a.inUse[port] = struct{}{}
	return nil
}

// Release returns a port to the pool. Releasing an unknown port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports how many ports are currently reserved.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
