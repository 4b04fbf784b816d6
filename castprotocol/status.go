package castprotocol

import "github.com/pkg/errors"

var ErrNotConnected = errors.New("chromecast: not connected")

// Player states reported by the default media receiver.
const (
	PlayerStatePlaying   = "PLAYING"
	PlayerStatePaused    = "PAUSED"
	PlayerStateBuffering = "BUFFERING"
	PlayerStateIdle      = "IDLE"
)

// CastStatus represents current Chromecast playback state.
type CastStatus struct {
	PlayerState string  // "PLAYING", "PAUSED", "IDLE", "BUFFERING"
	CurrentTime float32 // Current position in seconds
	Duration    float32 // Total duration in seconds
	Volume      float32 // Volume level (0.0 to 1.0)
	Muted       bool
	MediaTitle  string
	ContentType string
	DisplayName string // Receiver app name
}

// Active reports whether the receiver is playing or about to.
func (s CastStatus) Active() bool {
	return s.PlayerState == PlayerStatePlaying || s.PlayerState == PlayerStateBuffering
}
