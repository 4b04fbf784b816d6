package cast

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go2tv.app/audiocast/devices"
)

const nameLookupTimeout = 5 * time.Second

// discovery is one StartDiscovery session.
type discovery struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	verified map[string]bool // host -> JSON-RPC probe result
	named    map[string]bool // device ids already sent to the name resolver
}

// StartDiscovery runs every source until StopDiscovery, ctx cancellation or
// until all sources gave up. A running session is replaced by a fresh one.
func (m *Manager) StartDiscovery(ctx context.Context) {
	m.discMu.Lock()
	defer m.discMu.Unlock()

	if m.disc != nil {
		m.stopDiscoveryLocked()
	}

	m.devMu.Lock()
	m.deviceList.Set(nil)
	m.resolved = make(map[string]string)
	m.devMu.Unlock()

	locked := false
	if m.opts.Lock != nil {
		if err := m.opts.Lock.Acquire(); err != nil {
			m.log.Warn().Str("Method", "StartDiscovery").Err(err).Msg("multicast lock unavailable, discovery degraded")
		} else {
			locked = true
		}
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &discovery{
		cancel:   cancel,
		done:     make(chan struct{}),
		verified: make(map[string]bool),
		named:    make(map[string]bool),
	}

	var wg sync.WaitGroup
	for _, src := range m.opts.Sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Str("Method", "StartDiscovery").Str("Protocol", src.Protocol.String()).
						Str("Panic", fmt.Sprint(r)).Str("Stack", string(debug.Stack())).Msg("discovery source crashed")
				}
			}()
			m.runSource(dctx, d, src)
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		if locked {
			m.opts.Lock.Release()
		}
		close(d.done)
		m.log.Debug().Str("Method", "StartDiscovery").Msg("discovery session ended")
	}()

	m.disc = d
}

// StopDiscovery ends the running session and waits until its sources are
// gone. Without a session it does nothing.
func (m *Manager) StopDiscovery() {
	m.discMu.Lock()
	defer m.discMu.Unlock()
	m.stopDiscoveryLocked()
}

func (m *Manager) stopDiscoveryLocked() {
	d := m.disc
	m.disc = nil
	if d == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (m *Manager) runSource(ctx context.Context, d *discovery, src Source) {
	batches := src.Discoverer.Discover(ctx, src.Query, src.Window)
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			m.handleBatch(ctx, d, src, b)
		}
	}
}

func (m *Manager) handleBatch(ctx context.Context, d *discovery, src Source, b devices.Batch) {
	found := make([]devices.Device, 0, len(b.Devices))
	for _, raw := range b.Devices {
		dev, ok := toDevice(src.Protocol, raw)
		if !ok {
			continue
		}
		if src.Verify {
			if !m.verify(ctx, d, &dev) {
				continue
			}
		}
		found = append(found, dev)
	}

	if b.Replace {
		m.replaceProtocol(src.Protocol, found)
	} else {
		for _, dev := range found {
			m.upsert(dev)
		}
	}

	if src.ResolveNames && m.opts.Names != nil {
		for _, dev := range found {
			d.mu.Lock()
			seen := d.named[dev.ID]
			d.named[dev.ID] = true
			d.mu.Unlock()
			if !seen {
				go m.resolveName(ctx, dev)
			}
		}
	}
}

func toDevice(p devices.Protocol, raw devices.RawDevice) (devices.Device, bool) {
	key := raw.RouteID
	if key == "" {
		key = raw.Host
	}
	if key == "" {
		return devices.Device{}, false
	}

	name := raw.Name
	if name == "" {
		name = raw.Host
	}

	return devices.Device{
		ID:       devices.DeviceID(p, key),
		Name:     name,
		Protocol: p,
		Host:     raw.Host,
		Port:     raw.Port,
		Type:     raw.Type,
		Extras:   raw.Extras,
	}, true
}

// verify pings dev on the JSON-RPC port. Results are remembered per host for
// the session; accepted devices are moved to the verified port.
func (m *Manager) verify(ctx context.Context, d *discovery, dev *devices.Device) bool {
	if m.opts.Verifier == nil || dev.Host == "" {
		return false
	}

	d.mu.Lock()
	result, seen := d.verified[dev.Host]
	d.mu.Unlock()

	if !seen {
		if err := m.limiter.Wait(ctx); err != nil {
			return false
		}
		result = m.opts.Verifier.Probe(ctx, dev.Host, m.opts.VerifyPort)
		if ctx.Err() != nil {
			return false
		}

		d.mu.Lock()
		d.verified[dev.Host] = result
		d.mu.Unlock()
		m.log.Debug().Str("Method", "verify").Str("Host", dev.Host).Bool("Accepted", result).Msg("probe")
	}

	if result {
		dev.Port = m.opts.VerifyPort
	}
	return result
}

// upsert replaces the device with the same id or appends it.
func (m *Manager) upsert(dev devices.Device) {
	m.devMu.Lock()
	defer m.devMu.Unlock()

	if name, ok := m.resolved[dev.ID]; ok {
		dev.Name = name
	}

	list := slices.Clone(m.deviceList.Get())
	if i := slices.IndexFunc(list, func(x devices.Device) bool { return x.ID == dev.ID }); i >= 0 {
		list[i] = dev
	} else {
		list = append(list, dev)
	}
	m.deviceList.Set(list)
}

// replaceProtocol swaps every device of p for devs.
func (m *Manager) replaceProtocol(p devices.Protocol, devs []devices.Device) {
	m.devMu.Lock()
	defer m.devMu.Unlock()

	list := slices.DeleteFunc(slices.Clone(m.deviceList.Get()), func(x devices.Device) bool { return x.Protocol == p })
	for _, dev := range devs {
		if i := slices.IndexFunc(list, func(x devices.Device) bool { return x.ID == dev.ID }); i >= 0 {
			list[i] = dev
			continue
		}
		list = append(list, dev)
	}
	m.deviceList.Set(list)
}

// rename corrects the name of a listed device. The name sticks for later
// upserts of the same id.
func (m *Manager) rename(id, name string) {
	m.devMu.Lock()
	defer m.devMu.Unlock()

	if m.resolved != nil {
		m.resolved[id] = name
	}

	list := m.deviceList.Get()
	i := slices.IndexFunc(list, func(x devices.Device) bool { return x.ID == id })
	if i < 0 || list[i].Name == name {
		return
	}
	list = slices.Clone(list)
	list[i].Name = name
	m.deviceList.Set(list)
}

func (m *Manager) resolveName(ctx context.Context, dev devices.Device) {
	ctx, cancel := context.WithTimeout(ctx, nameLookupTimeout)
	defer cancel()

	name, err := m.opts.Names.LookupName(ctx, dev)
	if err != nil {
		m.log.Debug().Str("Method", "resolveName").Str("Device", dev.ID).Err(err).Msg("name lookup failed")
		return
	}
	if name != "" {
		m.rename(dev.ID, name)
	}
}
