package recorder

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoFreePort means every port in the allocator's range was busy.
var ErrNoFreePort = errors.New("no free port in recorder range")

// PortProbe reports whether a local UDP port is currently free.
type PortProbe func(port int) bool

// BindProbe checks availability by binding the port on loopback.
func BindProbe(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Allocator hands out UDP ports from [min, max) for encoder descriptors.
// It walks the range with a wrapping cursor and skips busy ports.
type Allocator struct {
	min, max int
	probe    PortProbe

	mu   sync.Mutex
	next int
}

// NewAllocator builds an allocator over [min, max). A nil probe uses BindProbe.
func NewAllocator(min, max int, probe PortProbe) (*Allocator, error) {
	if min <= 0 || max <= min {
		return nil, fmt.Errorf("invalid recorder port range [%d, %d)", min, max)
	}
	if probe == nil {
		probe = BindProbe
	}
	return &Allocator{min: min, max: max, probe: probe, next: min}, nil
}

// Allocate returns the next free port, wrapping around the range. It fails
// with ErrNoFreePort after one full sweep of busy ports.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next >= a.max {
			a.next = a.min
		}
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}
