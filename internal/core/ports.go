package core

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// DefaultNATSPort is the standard NATS client port
const DefaultNATSPort = 4222

// Ports tried when the configured bus port is already bound
const (
	FallbackPortStart = 14200
	FallbackPortEnd   = 14299
)

// PortManager tracks which in-process service holds which listen port, so a
// restarted bus never steals a port another service already claimed.
type PortManager struct {
	mu   sync.Mutex
	held map[int]string
	next int
}

// NewPortManager returns an empty manager
func NewPortManager() *PortManager {
	return &PortManager{
		held: make(map[int]string),
		next: FallbackPortStart,
	}
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Reserve claims port for service. A service may reserve its own port again.
func (pm *PortManager) Reserve(port int, service string) (int, bool) {
	if port <= 0 {
		return 0, false
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if owner, ok := pm.held[port]; ok {
		return port, owner == service
	}
	if !portFree(port) {
		return 0, false
	}
	pm.held[port] = service
	return port, true
}

// ReserveOrFind claims preferred, or the next free port in the fallback range
func (pm *PortManager) ReserveOrFind(preferred int, service string) (int, error) {
	if port, ok := pm.Reserve(preferred, service); ok {
		return port, nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for ; pm.next <= FallbackPortEnd; pm.next++ {
		port := pm.next
		if _, taken := pm.held[port]; taken || !portFree(port) {
			continue
		}
		pm.held[port] = service
		pm.next++
		return port, nil
	}
	return 0, fmt.Errorf("no free port for %s in %d-%d", service, FallbackPortStart, FallbackPortEnd)
}

// Release gives port back
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	delete(pm.held, port)
	pm.mu.Unlock()
}

// Holder reports which service holds port
func (pm *PortManager) Holder(port int) (string, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	service, ok := pm.held[port]
	return service, ok
}
