// Package targets implements the per-protocol cast targets. Every target
// reports through the same five signals and never returns errors: transport
// failures are logged and, depending on the ErrorPolicy, surfaced through
// LastError.
package targets

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/audiocast/castprotocol"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/signals"
)

// DefaultPollInterval is the telemetry poll period of the HTTP targets.
const DefaultPollInterval = 1 * time.Second

// Media is what LoadMedia starts playing.
type Media struct {
	URL             string
	Title           string
	Author          string
	CoverURL        string
	ContentType     string
	PositionSeconds int64
}

// Target is the control surface of one receiver protocol.
type Target interface {
	Protocol() devices.Protocol
	// Connect blocks until the attempt resolved. The outcome is only
	// visible through Signals.
	Connect(ctx context.Context, d devices.Device)
	// Disconnect stops polling and resets every signal.
	Disconnect(ctx context.Context)
	LoadMedia(ctx context.Context, m Media)
	Play(ctx context.Context)
	Pause(ctx context.Context)
	Seek(ctx context.Context, seconds int64)
	Stop(ctx context.Context)
	Signals() *Signals
}

// AudiobookTarget is a target with a metadata-rich load path.
type AudiobookTarget interface {
	Target
	LoadAudiobook(ctx context.Context, m castprotocol.AudiobookMedia)
}

// Signals is the observable state of a target. Empty strings stand for
// "no value".
type Signals struct {
	Connected  *signals.Value[bool]
	Playing    *signals.Value[bool]
	Position   *signals.Value[int64]
	DeviceName *signals.Value[string]
	LastError  *signals.Value[string]
}

// NewSignals returns signals at their rest values.
func NewSignals() *Signals {
	return &Signals{
		Connected:  signals.New(false),
		Playing:    signals.New(false),
		Position:   signals.New(int64(0)),
		DeviceName: signals.New(""),
		LastError:  signals.New(""),
	}
}

func (s *Signals) reset() {
	s.Connected.Set(false)
	s.Playing.Set(false)
	s.Position.Set(0)
	s.DeviceName.Set("")
	s.LastError.Set("")
}

// ErrorPolicy decides when failures reach LastError. The zero value never
// surfaces anything.
type ErrorPolicy struct {
	// SurfaceConnectErrors reports failed connects through LastError.
	SurfaceConnectErrors bool
	// PollFailureThreshold sets LastError after that many consecutive
	// failed polls and clears it on the next good one. 0 disables it.
	PollFailureThreshold int
}

// Options are shared by every target.
type Options struct {
	PollInterval time.Duration
	Policy       ErrorPolicy
	Logger       zerolog.Logger
}

// Set holds one target per protocol.
type Set struct {
	Chromecast AudiobookTarget
	ECP        Target
	JSONRPC    Target
	HTTPParam  Target
}

// For returns the target serving p, or nil for an unknown protocol.
func (s Set) For(p devices.Protocol) Target {
	switch p {
	case devices.Chromecast:
		return s.Chromecast
	case devices.ECP:
		return s.ECP
	case devices.JSONRPC:
		return s.JSONRPC
	case devices.HTTPParam:
		return s.HTTPParam
	}
	return nil
}
