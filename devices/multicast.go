package devices

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrNoMulticastInterface = errors.New("multicast: no usable multicast interface")

// MulticastLock keeps multicast reception available while discovery runs.
type MulticastLock interface {
	Acquire() error
	Release()
}

// InterfaceLock is a reference counted MulticastLock. On desktop systems
// there is nothing to wake up, so acquiring only checks that at least one
// interface can receive multicast traffic.
type InterfaceLock struct {
	Logger zerolog.Logger

	mu   sync.Mutex
	refs int
}

// Acquire implements MulticastLock.
func (l *InterfaceLock) Acquire() error {
	if len(activeInterfaces()) == 0 {
		return ErrNoMulticastInterface
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs++
	l.Logger.Debug().Str("Method", "MulticastAcquire").Int("Refs", l.refs).Msg("multicast lock held")
	return nil
}

// Release implements MulticastLock. Extra releases are ignored.
func (l *InterfaceLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		l.Logger.Warn().Str("Method", "MulticastRelease").Msg("release without acquire")
		return
	}
	l.refs--
	l.Logger.Debug().Str("Method", "MulticastRelease").Int("Refs", l.refs).Msg("multicast lock released")
}

// Held reports the current reference count.
func (l *InterfaceLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}
