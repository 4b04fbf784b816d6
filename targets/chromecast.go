package targets

import (
	"context"

	"github.com/pkg/errors"
	"go2tv.app/audiocast/castprotocol"
	"go2tv.app/audiocast/devices"
)

var errNoRoute = errors.New("chromecast: device has no route")

// SessionController is the session layer the Chromecast target forwards to.
// *castprotocol.SessionManager implements it.
type SessionController interface {
	Select(ctx context.Context, ep castprotocol.Endpoint, l castprotocol.SessionListener) error
	Unselect(stopMedia bool)
	Load(ctx context.Context, m castprotocol.AudiobookMedia) error
	Play() error
	Pause() error
	Seek(seconds int) error
	Stop() error
}

// Chromecast is a thin forwarder to the cast session layer. Its signals are
// driven by session callbacks instead of a poll loop.
type Chromecast struct {
	base
	sessions SessionController
}

// NewChromecast returns a Chromecast target on top of sessions.
func NewChromecast(sessions SessionController, opts Options) *Chromecast {
	t := &Chromecast{sessions: sessions}
	t.init(devices.Chromecast, opts)
	return t
}

// sessionListener ties session callbacks to the connect generation that
// selected the route.
type sessionListener struct {
	t   *Chromecast
	gen uint64
}

func (l sessionListener) SessionStarted(name string) {
	l.t.connected(l.gen, name)
}

func (l sessionListener) StatusChanged(status castprotocol.CastStatus) {
	l.t.set(l.gen, func(s *Signals) {
		s.Playing.Set(status.Active())
		if status.PlayerState != castprotocol.PlayerStateIdle {
			s.Position.Set(max(int64(status.CurrentTime), 0))
		}
	})
}

func (l sessionListener) SessionEnded(err error) {
	if err != nil {
		l.t.log("SessionEnded").Err(err).Msg("session lost")
	}
	l.t.set(l.gen, func(s *Signals) {
		s.Playing.Set(false)
		s.Connected.Set(false)
	})
}

// Connect selects the device's route and waits for the session to start.
func (t *Chromecast) Connect(ctx context.Context, d devices.Device) {
	gen := t.begin()

	route, ok := d.Extras.(*devices.Route)
	if !ok || route == nil || route.Host == "" {
		t.connectFailed(gen, errNoRoute)
		return
	}

	name := d.Name
	if name == "" {
		name = route.Name
	}

	ep := castprotocol.Endpoint{Host: route.Host, Port: route.Port, Name: name}
	if err := t.sessions.Select(ctx, ep, sessionListener{t: t, gen: gen}); err != nil {
		t.connectFailed(gen, err)
	}
}

func (t *Chromecast) Disconnect(context.Context) {
	t.begin()
	t.sessions.Unselect(true)
}

// LoadMedia does nothing; Chromecast playback goes through LoadAudiobook.
func (t *Chromecast) LoadMedia(context.Context, Media) {
	t.log("LoadMedia").Msg("ignored, use LoadAudiobook")
}

// LoadAudiobook sends a LOAD with full track metadata.
func (t *Chromecast) LoadAudiobook(ctx context.Context, m castprotocol.AudiobookMedia) {
	gen := t.generation()
	if err := t.sessions.Load(ctx, m); err != nil {
		t.log("LoadAudiobook").Err(err).Msg("load failed")
		return
	}
	t.set(gen, func(s *Signals) { s.Playing.Set(true) })
	t.setPosition(gen, int64(m.StartTime))
}

func (t *Chromecast) Play(context.Context) {
	gen := t.generation()
	if err := t.sessions.Play(); err != nil {
		t.log("Play").Err(err).Msg("play failed")
		return
	}
	t.set(gen, func(s *Signals) { s.Playing.Set(true) })
}

func (t *Chromecast) Pause(context.Context) {
	gen := t.generation()
	if err := t.sessions.Pause(); err != nil {
		t.log("Pause").Err(err).Msg("pause failed")
		return
	}
	t.set(gen, func(s *Signals) { s.Playing.Set(false) })
}

func (t *Chromecast) Seek(_ context.Context, seconds int64) {
	gen := t.generation()
	if err := t.sessions.Seek(int(max(seconds, 0))); err != nil {
		t.log("Seek").Err(err).Msg("seek failed")
		return
	}
	t.setPosition(gen, seconds)
}

func (t *Chromecast) Stop(context.Context) {
	gen := t.generation()
	if err := t.sessions.Stop(); err != nil {
		t.log("Stop").Err(err).Msg("stop failed")
		return
	}
	t.set(gen, func(s *Signals) { s.Playing.Set(false) })
}
