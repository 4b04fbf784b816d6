package devices

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"go2tv.app/audiocast/utils"
)

const (
	// CapabilityVideoOut is the bitmask for video output capability (bit 0)
	CapabilityVideoOut = 1

	googlecastService = "_googlecast._tcp"

	// mDNS query timeout per request
	chromecastQueryTimeout = 750 * time.Millisecond
	// Faster polling while cache is empty for quick first discovery
	chromecastPollIntervalFast = 1 * time.Second
	// Slower polling once at least one device is known to reduce network load
	chromecastPollIntervalSlow = 4 * time.Second
	chromecastHealthInterval   = 5 * time.Second
)

var hostPortIsAlive = utils.HostPortIsAlive

// MDNSRouteProvider is a RouteProvider backed by _googlecast._tcp browsing.
// It scans while callbacks are registered and keeps its cache between scans.
type MDNSRouteProvider struct {
	Logger zerolog.Logger

	mu        sync.Mutex
	routes    map[string]Route // key: host:port
	callbacks map[int]func()
	nextCB    int
	cancel    context.CancelFunc
}

// NewMDNSRouteProvider returns an idle provider.
func NewMDNSRouteProvider(logger zerolog.Logger) *MDNSRouteProvider {
	return &MDNSRouteProvider{
		Logger:    logger,
		routes:    make(map[string]Route),
		callbacks: make(map[int]func()),
	}
}

// Routes implements RouteProvider.
func (p *MDNSRouteProvider) Routes() []Route {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Route, 0, len(p.routes))
	for _, r := range p.routes {
		out = append(out, r)
	}
	return out
}

// AddCallback implements RouteProvider. The first registration starts
// scanning and the last removal stops it.
func (p *MDNSRouteProvider) AddCallback(cb func()) func() {
	p.mu.Lock()
	id := p.nextCB
	p.nextCB++
	p.callbacks[id] = cb
	if p.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.discoverLoop(ctx)
		go p.healthLoop(ctx)
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.callbacks, id)
			if len(p.callbacks) == 0 && p.cancel != nil {
				p.cancel()
				p.cancel = nil
			}
		})
	}
}

func (p *MDNSRouteProvider) notify() {
	p.mu.Lock()
	cbs := make([]func(), 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (p *MDNSRouteProvider) pollInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.routes) > 0 {
		return chromecastPollIntervalSlow
	}
	return chromecastPollIntervalFast
}

func (p *MDNSRouteProvider) discoverLoop(ctx context.Context) {
	for {
		entriesCh := make(chan *mdns.ServiceEntry, 256)
		doneCh := make(chan struct{})

		go func() {
			defer close(doneCh)
			for entry := range entriesCh {
				if p.upsert(entry) {
					p.notify()
				}
			}
		}()

		browse(ctx, googlecastService, chromecastQueryTimeout, entriesCh)
		close(entriesCh)
		<-doneCh

		if !sleepCtx(ctx, p.pollInterval()) {
			return
		}
	}
}

// healthLoop drops routes whose cast port stopped answering.
func (p *MDNSRouteProvider) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(chromecastHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.dropDead() {
				p.notify()
			}
		}
	}
}

func (p *MDNSRouteProvider) dropDead() bool {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.routes))
	for addr := range p.routes {
		addrs = append(addrs, addr)
	}
	p.mu.Unlock()

	var dead []string
	for _, addr := range addrs {
		if !hostPortIsAlive(addr) {
			dead = append(dead, addr)
		}
	}

	if len(dead) == 0 {
		return false
	}

	p.mu.Lock()
	for _, addr := range dead {
		p.Logger.Debug().Str("Method", "RouteHealth").Str("Addr", addr).Msg("route gone")
		delete(p.routes, addr)
	}
	p.mu.Unlock()
	return true
}

// upsert stores the route of a _googlecast entry and reports whether the
// cache changed.
func (p *MDNSRouteProvider) upsert(entry *mdns.ServiceEntry) bool {
	r, ok := routeFromEntry(entry)
	if !ok {
		return false
	}

	addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, exists := p.routes[addr]; exists && old.ID == r.ID && old.Name == r.Name && old.AudioOnly == r.AudioOnly {
		return false
	}
	p.routes[addr] = r
	return true
}

func routeFromEntry(entry *mdns.ServiceEntry) (Route, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Route{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Route{}, false
	}

	host := entry.AddrV4.String()
	r := Route{
		ID:    txtValue(entry.InfoFields, "id"),
		Name:  txtValue(entry.InfoFields, "fn"),
		Host:  host,
		Port:  entry.Port,
		Model: txtValue(entry.InfoFields, "md"),
	}

	if r.ID == "" {
		r.ID = net.JoinHostPort(host, strconv.Itoa(entry.Port))
	}

	if r.Name == "" {
		r.Name = instanceName(entry.Name, googlecastService)
	}

	if ca := txtValue(entry.InfoFields, "ca"); ca != "" {
		r.AudioOnly = isChromecastAudioOnly(ca)
	}

	r.Capabilities = []string{RouteCategoryAudio}
	if !r.AudioOnly {
		r.Capabilities = append(r.Capabilities, RouteCategoryVideo)
	}

	return r, true
}

// isChromecastAudioOnly checks the "ca" TXT bitmask. Bit 0 set means video
// out; devices without it are audio-only. Unparsable values count as video
// capable.
func isChromecastAudioOnly(caField string) bool {
	ca, err := strconv.Atoi(caField)
	if err != nil {
		return false
	}
	return (ca & CapabilityVideoOut) == 0
}
