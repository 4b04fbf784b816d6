// Package cast owns the single active cast connection. It merges the
// discovery sources into one device list, arbitrates which target is
// active and mirrors that target's signals into one State.
package cast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/signals"
	"go2tv.app/audiocast/targets"
	"golang.org/x/time/rate"
)

const (
	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultVerifyPort is where JSON-RPC candidates are pinged.
	DefaultVerifyPort = 8080
	// DefaultVerifyRate is the number of verification probes per second.
	DefaultVerifyRate = rate.Limit(5)
)

const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateConnected    = "connected"

	eventConnect     = "connect"
	eventEstablished = "established"
	eventFail        = "fail"
	eventDisconnect  = "disconnect"
)

// Source is one discovery adapter and the protocol its devices speak.
type Source struct {
	Protocol   devices.Protocol
	Discoverer devices.Discoverer
	// Query is the adapter specific selector: capability, search target
	// or service type.
	Query  string
	Window time.Duration
	// Verify requires candidates to answer a JSON-RPC ping before they are
	// listed.
	Verify bool
	// ResolveNames looks names up asynchronously through Options.Names.
	ResolveNames bool
}

// Options configures New. Only Targets is required.
type Options struct {
	Targets        targets.Set
	Sources        []Source
	Tokens         TokenSource
	Local          LocalPlayback
	Lock           devices.MulticastLock
	Verifier       Verifier
	VerifyPort     int
	VerifyRate     rate.Limit
	Names          NameResolver
	Policy         targets.ErrorPolicy
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Manager is the cast orchestrator. Create it with New and release it with
// Close.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	limiter *rate.Limiter

	deviceList *signals.Value[[]devices.Device]
	state      *signals.Value[State]
	devMu      sync.Mutex
	resolved   map[string]string

	mu            sync.Mutex
	machine       *fsm.FSM
	active        targets.Target
	bridgeGen     uint64
	bridgeCancel  func()
	attempt       uint64
	connectCancel context.CancelFunc

	discMu sync.Mutex
	disc   *discovery
}

// New returns a Manager with nothing connected and no discovery running.
func New(opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.VerifyPort == 0 {
		opts.VerifyPort = DefaultVerifyPort
	}
	if opts.VerifyRate == 0 {
		opts.VerifyRate = DefaultVerifyRate
	}

	m := &Manager{
		opts:       opts,
		log:        opts.Logger,
		limiter:    rate.NewLimiter(opts.VerifyRate, 1),
		deviceList: signals.New[[]devices.Device](nil),
		state:      signals.New(State{}),
	}

	m.machine = fsm.NewFSM(
		stateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{stateDisconnected, stateConnecting, stateConnected}, Dst: stateConnecting},
			{Name: eventEstablished, Src: []string{stateConnecting}, Dst: stateConnected},
			{Name: eventFail, Src: []string{stateConnecting}, Dst: stateDisconnected},
			{Name: eventDisconnect, Src: []string{stateConnecting, stateConnected}, Dst: stateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.Debug().Str("Method", "fsm").Str("From", e.Src).Str("To", e.Dst).Msg(e.Event)
			},
		},
	)

	return m
}

// Devices is the merged list of discovered devices.
func (m *Manager) Devices() *signals.Value[[]devices.Device] { return m.deviceList }

// State is the unified cast state.
func (m *Manager) State() *signals.Value[State] { return m.state }

// transition fires event on the connection state machine. Callers hold m.mu.
func (m *Manager) transition(event string) {
	err := m.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	m.log.Debug().Str("Method", "transition").Str("Event", event).Err(err).Msg("ignored")
}

func (m *Manager) connection() ConnectionState {
	return connectionStateFrom(m.machine.Current())
}

// resetLocked publishes the rest state, cancels the bridge and any pending
// connect, and hands back the target that still needs its Disconnect.
func (m *Manager) resetLocked() targets.Target {
	prev := m.active

	m.bridgeGen++
	m.attempt++
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}

	m.active = nil
	m.transition(eventDisconnect)
	m.state.Set(State{})

	if m.bridgeCancel != nil {
		m.bridgeCancel()
		m.bridgeCancel = nil
	}

	return prev
}

// stopLocalPlayback keeps local and remote playback exclusive.
func (m *Manager) stopLocalPlayback() {
	if m.opts.Local != nil && m.opts.Local.IsPlaying() {
		m.log.Debug().Str("Method", "stopLocalPlayback").Msg("stopping local playback")
		m.opts.Local.Stop()
	}
}

// ConnectToDevice makes d the active device. A target of another protocol
// is disconnected first. The call returns once the attempt resolved; the
// outcome is only visible through State.
func (m *Manager) ConnectToDevice(ctx context.Context, d devices.Device) {
	target := m.opts.Targets.For(d.Protocol)
	if target == nil {
		m.log.Warn().Str("Method", "ConnectToDevice").Str("Device", d.ID).Msg("no target for protocol")
		return
	}

	m.stopLocalPlayback()

	m.mu.Lock()
	var prev targets.Target
	if m.active != nil && m.active.Protocol() != d.Protocol {
		prev = m.resetLocked()
	}
	m.mu.Unlock()

	if prev != nil {
		prev.Disconnect(ctx)
	}

	m.mu.Lock()
	m.bridgeGen++
	if m.bridgeCancel != nil {
		m.bridgeCancel()
		m.bridgeCancel = nil
	}
	if m.connectCancel != nil {
		m.connectCancel()
	}
	m.attempt++
	attempt := m.attempt

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	m.connectCancel = cancel
	m.active = target

	protocol := d.Protocol
	m.transition(eventConnect)
	m.state.Set(State{Connection: Connecting, ActiveProtocol: &protocol})
	m.mu.Unlock()

	id := uuid.NewString()
	log := m.log.With().Str("Attempt", id).Str("Protocol", protocol.String()).Str("Device", d.ID).Logger()
	log.Debug().Str("Method", "ConnectToDevice").Msg("connecting")

	target.Connect(cctx, d)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()

	sig := target.Signals()
	ok := sig.Connected.Get() && !timedOut

	m.mu.Lock()
	if attempt != m.attempt {
		orphaned := m.active != target
		m.mu.Unlock()
		log.Debug().Str("Method", "ConnectToDevice").Bool("Orphaned", orphaned).Msg("attempt superseded")
		// The target may have connected after a Disconnect already tore it
		// down; nothing else owns it now.
		if orphaned {
			target.Disconnect(ctx)
		}
		return
	}
	m.connectCancel = nil

	if !ok {
		m.transition(eventFail)

		var msg string
		switch {
		case timedOut:
			msg = fmt.Sprintf("connection to %s timed out", displayName(d))
		case m.opts.Policy.SurfaceConnectErrors:
			msg = sig.LastError.Get()
			if msg == "" {
				msg = fmt.Sprintf("could not connect to %s", displayName(d))
			}
		}
		m.state.Set(State{Connection: Disconnected, ActiveProtocol: &protocol, Error: msg})
		m.mu.Unlock()

		log.Debug().Str("Method", "ConnectToDevice").Bool("TimedOut", timedOut).Msg("connect failed")
		target.Disconnect(ctx)
		return
	}

	m.transition(eventEstablished)
	name := sig.DeviceName.Get()
	if name == "" {
		name = d.Name
	}
	m.state.Set(State{
		Connection:     Connected,
		Connected:      true,
		Playing:        sig.Playing.Get(),
		Position:       sig.Position.Get(),
		DeviceName:     name,
		ActiveProtocol: &protocol,
	})
	m.bridgeCancel = m.bridgeLocked(sig)
	m.mu.Unlock()

	log.Info().Str("Method", "ConnectToDevice").Str("Name", name).Msg("connected")
}

func displayName(d devices.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// bridgeLocked mirrors sig into State until the bridge generation moves on.
// Callers hold m.mu.
func (m *Manager) bridgeLocked(sig *targets.Signals) func() {
	gen := m.bridgeGen

	connected, c1 := sig.Connected.Subscribe()
	playing, c2 := sig.Playing.Subscribe()
	position, c3 := sig.Position.Subscribe()
	name, c4 := sig.DeviceName.Subscribe()
	lastErr, c5 := sig.LastError.Subscribe()

	cancel := func() {
		c1()
		c2()
		c3()
		c4()
		c5()
	}

	go func() {
		var bridgedErr string
		for {
			select {
			case v, ok := <-connected:
				if !ok {
					return
				}
				if !v && m.sessionLost(gen) {
					// Reset takes m.mu and cancels this bridge.
					go m.handleSessionEnded(gen)
					return
				}
			case v, ok := <-playing:
				if !ok {
					return
				}
				m.apply(gen, func(s *State) { s.Playing = v })
			case v, ok := <-position:
				if !ok {
					return
				}
				m.apply(gen, func(s *State) { s.Position = v })
			case v, ok := <-name:
				if !ok {
					return
				}
				if v != "" {
					m.apply(gen, func(s *State) { s.DeviceName = v })
				}
			case v, ok := <-lastErr:
				if !ok {
					return
				}
				prev := bridgedErr
				bridgedErr = v
				m.apply(gen, func(s *State) {
					switch {
					case v != "":
						s.Error = v
					case s.Error == prev:
						s.Error = ""
					}
				})
			}
		}
	}()

	return cancel
}

func (m *Manager) apply(gen uint64, fn func(s *State)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.bridgeGen {
		return
	}
	m.state.Update(func(s State) State {
		fn(&s)
		return s
	})
}

func (m *Manager) sessionLost(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.bridgeGen && m.connection() == Connected
}

// handleSessionEnded drops a target whose session ended on its own.
func (m *Manager) handleSessionEnded(gen uint64) {
	m.mu.Lock()
	if gen != m.bridgeGen {
		m.mu.Unlock()
		return
	}
	prev := m.resetLocked()
	m.mu.Unlock()

	m.log.Info().Str("Method", "handleSessionEnded").Msg("receiver session ended")
	if prev != nil {
		prev.Disconnect(context.Background())
	}
}

// Disconnect returns to the rest state and tears the active target down.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	prev := m.resetLocked()
	m.mu.Unlock()

	if prev != nil {
		prev.Disconnect(ctx)
	}
}

// ClearError dismisses the current error.
func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Update(func(s State) State {
		s.Error = ""
		return s
	})
}

// activeTarget returns the connected target, if any.
func (m *Manager) activeTarget(method string) targets.Target {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.connection() != Connected {
		m.log.Debug().Str("Method", method).Msg("no active target")
		return nil
	}
	return m.active
}

func (m *Manager) Play(ctx context.Context) {
	if t := m.activeTarget("Play"); t != nil {
		t.Play(ctx)
	}
}

func (m *Manager) Pause(ctx context.Context) {
	if t := m.activeTarget("Pause"); t != nil {
		t.Pause(ctx)
	}
}

func (m *Manager) Seek(ctx context.Context, seconds int64) {
	if t := m.activeTarget("Seek"); t != nil {
		t.Seek(ctx, seconds)
	}
}

func (m *Manager) Stop(ctx context.Context) {
	if t := m.activeTarget("Stop"); t != nil {
		t.Stop(ctx)
	}
}

// Close stops discovery and disconnects.
func (m *Manager) Close(ctx context.Context) {
	m.StopDiscovery()
	m.Disconnect(ctx)
}
