package devices

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNoLocation      = errors.New("ssdp: response without a usable LOCATION")
	ErrUnknownProtocol = errors.New("devices: unknown protocol")
)

// DefaultWindow is the discovery window used when the caller passes zero.
const DefaultWindow = 5 * time.Second

// Protocol is the closed set of receiver protocols.
type Protocol int

const (
	// Chromecast receivers are reached through a route picked from the
	// route provider, never through a raw host:port.
	Chromecast Protocol = iota
	// ECP receivers (Roku) speak the External Control Protocol.
	ECP
	// JSONRPC receivers (Kodi) speak JSON-RPC 2.0 over HTTP.
	JSONRPC
	// HTTPParam receivers (AirPlay audio/video) take HTTP header-style bodies
	// and query parameters.
	HTTPParam
)

// Protocols returns every protocol in declaration order.
func Protocols() []Protocol {
	return []Protocol{Chromecast, ECP, JSONRPC, HTTPParam}
}

func (p Protocol) String() string {
	switch p {
	case Chromecast:
		return "chromecast"
	case ECP:
		return "roku"
	case JSONRPC:
		return "kodi"
	case HTTPParam:
		return "airplay"
	}
	return "unknown"
}

// ParseProtocol is the inverse of Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range Protocols() {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// MarshalText lets protocols travel as strings in JSON payloads.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the string form written by MarshalText.
func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DeviceType is a cosmetic classification used for icons.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeTV
	DeviceTypeSpeaker
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeTV:
		return "tv"
	case DeviceTypeSpeaker:
		return "speaker"
	}
	return "unknown"
}

func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Device describes one discovered receiver.
type Device struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Protocol Protocol   `json:"protocol"`
	Host     string     `json:"host,omitempty"`
	Port     int        `json:"port,omitempty"`
	Type     DeviceType `json:"type"`
	// Extras is owned by the adapter that created the device.
	Extras any `json:"-"`
}

// Addr returns host:port, or "" for route-mediated devices.
func (d Device) Addr() string {
	if d.Host == "" {
		return ""
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DeviceID builds the "<protocol>_<host-or-route-id>" identifier.
func DeviceID(p Protocol, key string) string {
	return p.String() + "_" + key
}

// RawDevice is what a discovery adapter emits before the orchestrator maps it
// onto a protocol.
type RawDevice struct {
	Host     string
	Port     int
	Name     string
	Location string
	RouteID  string
	Type     DeviceType
	Extras   any
}

// Batch is one emission of a discovery adapter. Replace marks a full
// replacement list for the adapter's protocol; otherwise Devices are upserted.
type Batch struct {
	Devices []RawDevice
	Replace bool
}

// Discoverer is implemented by every discovery adapter. The returned channel
// is closed when ctx is done or the adapter gives up. Each call starts a new,
// independent discovery run.
type Discoverer interface {
	Discover(ctx context.Context, query string, window time.Duration) <-chan Batch
}

// hostPortFromLocation extracts the host and port of an SSDP LOCATION URL.
func hostPortFromLocation(location string) (string, int, error) {
	if location == "" {
		return "", 0, ErrNoLocation
	}

	u, err := url.Parse(location)
	if err != nil || u.Hostname() == "" {
		return "", 0, ErrNoLocation
	}

	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, ErrNoLocation
		}
	}

	return u.Hostname(), port, nil
}

func windowOrDefault(w time.Duration) time.Duration {
	if w <= 0 {
		return DefaultWindow
	}
	return w
}

func send(ctx context.Context, out chan<- Batch, b Batch) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
