// Package ports hands out host-side TCP ports for adb forwarding.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// maxAttempts bounds how many ephemeral ports Acquire will try.
const maxAttempts = 64

// ErrExhausted is returned when no free port could be found.
var ErrExhausted = errors.New("no free host port available")

// Allocator tracks ports handed out to devices in this process. Ports are
// unique among holders until released.
type Allocator struct {
	mu    sync.Mutex
	inUse map[int]struct{}
	free  func() (int, error)
}

// Default is the process-wide allocator shared by every device.
var Default = NewAllocator()

// NewAllocator returns an empty Allocator that asks the OS for free ports.
func NewAllocator() *Allocator {
	return &Allocator{
		inUse: make(map[int]struct{}),
		free:  ephemeralPort,
	}
}

// Acquire returns a port that is free on the host and not held by any other
// caller of this allocator.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < maxAttempts; i++ {
		port, err := a.free()
		if err != nil {
			return 0, fmt.Errorf("find free port: %w", err)
		}
		if _, held := a.inUse[port]; held {
			continue
		}
		a.inUse[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Claim marks a caller-chosen port as held. It fails if the port is already
// held or cannot be bound on the host.
func (a *Allocator) Claim(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.inUse[port]; held {
		return fmt.Errorf("port %d already held", port)
	}
	if !Available(port) {
		return fmt.Errorf("port %d is in use on the host", port)
	}
	a.inUse[port] = struct{}{}
	return nil
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// Held reports whether port is currently handed out.
func (a *Allocator) Held(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inUse[port]
	return ok
}

// Available reports whether port can be bound on localhost right now.
func Available(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func ephemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
