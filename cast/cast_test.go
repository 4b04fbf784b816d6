package cast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/audiocast/castprotocol"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/targets"
)

// eventLog is shared by every fake so tests can assert cross-target order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeTarget struct {
	protocol devices.Protocol
	sig      *targets.Signals
	log      *eventLog

	mu         sync.Mutex
	fail       string
	block      chan struct{}
	connecting chan struct{}
	media      []targets.Media
	books      []castprotocol.AudiobookMedia
	seeks      []int64
}

func newFakeTarget(p devices.Protocol, log *eventLog) *fakeTarget {
	return &fakeTarget{protocol: p, sig: targets.NewSignals(), log: log}
}

func (f *fakeTarget) name() string { return f.protocol.String() }

func (f *fakeTarget) Protocol() devices.Protocol { return f.protocol }
func (f *fakeTarget) Signals() *targets.Signals { return f.sig }

func (f *fakeTarget) Connect(ctx context.Context, d devices.Device) {
	f.log.add(f.name() + ".connect")

	f.mu.Lock()
	block, connecting, fail := f.block, f.connecting, f.fail
	f.mu.Unlock()

	if connecting != nil {
		close(connecting)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return
		}
	}
	if fail != "" {
		f.sig.LastError.Set(fail)
		return
	}
	f.sig.DeviceName.Set(d.Name)
	f.sig.Connected.Set(true)
}

func (f *fakeTarget) Disconnect(context.Context) {
	f.log.add(f.name() + ".disconnect")
	f.sig.Connected.Set(false)
	f.sig.Playing.Set(false)
	f.sig.Position.Set(0)
	f.sig.DeviceName.Set("")
	f.sig.LastError.Set("")
}

func (f *fakeTarget) LoadMedia(_ context.Context, m targets.Media) {
	f.log.add(f.name() + ".load")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, m)
}

func (f *fakeTarget) LoadAudiobook(_ context.Context, m castprotocol.AudiobookMedia) {
	f.log.add(f.name() + ".loadAudiobook")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books = append(f.books, m)
}

func (f *fakeTarget) Play(context.Context) { f.log.add(f.name() + ".play") }
func (f *fakeTarget) Pause(context.Context) { f.log.add(f.name() + ".pause") }
func (f *fakeTarget) Stop(context.Context) { f.log.add(f.name() + ".stop") }

func (f *fakeTarget) Seek(_ context.Context, s int64) {
	f.log.add(f.name() + ".seek")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, s)
}

type fakeSet struct {
	log        *eventLog
	chromecast *fakeTarget
	ecp        *fakeTarget
	jsonrpc    *fakeTarget
	httpparam  *fakeTarget
}

func newFakeSet() *fakeSet {
	log := &eventLog{}
	return &fakeSet{
		log:        log,
		chromecast: newFakeTarget(devices.Chromecast, log),
		ecp:        newFakeTarget(devices.ECP, log),
		jsonrpc:    newFakeTarget(devices.JSONRPC, log),
		httpparam:  newFakeTarget(devices.HTTPParam, log),
	}
}

func (s *fakeSet) set() targets.Set {
	return targets.Set{Chromecast: s.chromecast, ECP: s.ecp, JSONRPC: s.jsonrpc, HTTPParam: s.httpparam}
}

type fakeLocal struct {
	mu      sync.Mutex
	playing bool
	stops   int
}

func (l *fakeLocal) IsPlaying() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing
}

func (l *fakeLocal) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.playing = false
	l.stops++
}

func device(p devices.Protocol, host, name string) devices.Device {
	return devices.Device{ID: devices.DeviceID(p, host), Name: name, Protocol: p, Host: host, Port: 8060}
}

func newTestManager(opts Options) *Manager {
	opts.Logger = zerolog.Nop()
	return New(opts)
}

// waitState polls the published state until cond holds.
func waitState(t *testing.T, m *Manager, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		s := m.State().Get()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never matched, last %+v", s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func assertRestState(t *testing.T, s State) {
	t.Helper()
	if s.Connection != Disconnected || s.Connected || s.Playing || s.Position != 0 ||
		s.DeviceName != "" || s.ActiveProtocol != nil || s.Error != "" {
		t.Fatalf("state = %+v, want rest state", s)
	}
}
