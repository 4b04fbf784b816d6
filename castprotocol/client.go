package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/application"
	"github.com/vishen/go-chromecast/cast"
)

// DefaultPort is the cast v2 TLS port.
const DefaultPort = 8009

const (
	loadAttempts        = 3
	transportIDAttempts = 8
	wakeUpDelay         = 2 * time.Second
)

// CastClient wraps go-chromecast Application for simplified API
type CastClient struct {
	app         *application.Application
	conn        cast.Conn // keep reference to connection for custom commands
	mu          sync.RWMutex
	host        string
	port        int
	connected   bool
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *CastClient) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewCastClient prepares a client for the receiver at host:port. Nothing is
// dialled until Connect.
func NewCastClient(host string, port int) *CastClient {
	if port == 0 {
		port = DefaultPort
	}

	conn := cast.NewConnection()

	// Slow TVs need a few retries to wake up.
	app := application.NewApplication(
		application.WithConnection(conn),
		application.WithConnectionRetries(5),
	)

	return &CastClient{
		app:  app,
		conn: conn,
		host: host,
		port: port,
	}
}

// Connect establishes the connection to the receiver. If ctx ends first the
// late connection is closed as soon as it completes.
func (c *CastClient) Connect(ctx context.Context) error {
	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.app.Start(c.host, c.port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			c.Log().Error().Str("Method", "Connect").Err(err).Msg("connection failed")
			return fmt.Errorf("chromecast connect: %w", err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-errCh; err == nil {
				_ = c.app.Close(false)
			}
		}()
		return fmt.Errorf("chromecast connect: %w", ctx.Err())
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.Log().Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

// isTimeoutError checks if an error is a timeout/deadline exceeded error.
// This typically happens when the TV needs to wake from sleep.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// LoadAudiobook launches the default media receiver and loads m with its
// metadata. Receivers that never report a transport id get a plain load
// without metadata.
func (c *CastClient) LoadAudiobook(ctx context.Context, m AudiobookMedia) error {
	c.Log().Debug().Str("Method", "LoadAudiobook").Str("URL", m.URL).Str("ContentType", m.ContentType).Int("StartTime", m.StartTime).Msg("loading media")

	if !c.IsConnected() {
		return ErrNotConnected
	}

	var lastErr error
	for attempt := range loadAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := launchDefaultReceiver(c.conn); err != nil {
			lastErr = err
			if isTimeoutError(err) {
				c.Log().Debug().Str("Method", "LoadAudiobook").Int("Attempt", attempt).Err(err).Msg("timeout, TV may be waking up, retrying...")
				if !sleepCtx(ctx, wakeUpDelay) {
					return ctx.Err()
				}
				continue
			}
			return fmt.Errorf("launch receiver: %w", err)
		}

		transportID := c.transportID(ctx)
		if transportID == "" {
			c.Log().Debug().Str("Method", "LoadAudiobook").Msg("no transport id, falling back to plain load")
			c.mu.Lock()
			err := c.app.Load(m.URL, m.StartTime, m.ContentType, false, false, false)
			c.mu.Unlock()
			return err
		}

		if err := sendLoad(c.conn, transportID, NewAudiobookLoad(m)); err != nil {
			lastErr = err
			if isTimeoutError(err) && sleepCtx(ctx, wakeUpDelay) {
				continue
			}
			return err
		}

		c.Log().Debug().Str("Method", "LoadAudiobook").Str("TransportId", transportID).Msg("load sent")
		return nil
	}

	return lastErr
}

// transportID polls the receiver status until the media receiver app
// reports its transport id.
func (c *CastClient) transportID(ctx context.Context) string {
	for i := range transportIDAttempts {
		if !c.IsConnected() {
			return ""
		}

		if err := c.app.Update(); err == nil {
			if app := c.app.App(); app != nil && app.TransportId != "" {
				return app.TransportId
			}
		}

		if !sleepCtx(ctx, time.Duration(i+1)*250*time.Millisecond) {
			return ""
		}
	}
	return ""
}

// Play resumes playback.
func (c *CastClient) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log().Debug().Str("Method", "Play").Msg("resuming playback")
	err := c.app.Unpause()
	if err != nil {
		c.Log().Error().Str("Method", "Play").Err(err).Msg("failed")
	}
	return err
}

// Pause pauses playback.
func (c *CastClient) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log().Debug().Str("Method", "Pause").Msg("pausing playback")
	err := c.app.Pause()
	if err != nil {
		c.Log().Error().Str("Method", "Pause").Err(err).Msg("failed")
	}
	return err
}

// Stop stops playback and closes the media session.
func (c *CastClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log().Debug().Str("Method", "Stop").Msg("stopping playback")
	err := c.app.Stop()
	if err != nil {
		c.Log().Error().Str("Method", "Stop").Err(err).Msg("failed")
	}
	return err
}

// Seek seeks to position in seconds from start.
func (c *CastClient) Seek(seconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log().Debug().Str("Method", "Seek").Int("Seconds", seconds).Msg("seeking")
	err := c.app.SeekFromStart(seconds)
	if err != nil {
		c.Log().Error().Str("Method", "Seek").Err(err).Msg("failed")
	}
	return err
}

// GetStatus returns current playback status.
func (c *CastClient) GetStatus() (*CastStatus, error) {
	if err := c.app.Update(); err != nil {
		return nil, err
	}

	app, media, vol := c.app.Status()
	status := &CastStatus{PlayerState: PlayerStateIdle}
	if app != nil {
		status.DisplayName = app.DisplayName
	}
	if vol != nil {
		status.Volume = float32(vol.Level)
		status.Muted = vol.Muted
	}
	if media != nil {
		status.PlayerState = media.PlayerState
		status.CurrentTime = media.CurrentTime
		if media.Media.Duration > 0 {
			status.Duration = media.Media.Duration
		}
		status.ContentType = media.Media.ContentType
		status.MediaTitle = media.Media.Metadata.Title
	}
	return status, nil
}

// Close disconnects from the Chromecast device.
func (c *CastClient) Close(stopMedia bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Close").Bool("StopMedia", stopMedia).Msg("closing connection")
	c.connected = false
	err := c.app.Close(stopMedia)
	if err != nil {
		c.Log().Error().Str("Method", "Close").Err(err).Msg("failed")
	}
	return err
}

// IsConnected returns whether client is connected.
func (c *CastClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
