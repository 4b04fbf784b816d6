package castprotocol

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultStatusInterval    = 1 * time.Second
	defaultMaxStatusFailures = 3
)

// Client is the receiver connection a session drives. *CastClient
// implements it.
type Client interface {
	Connect(ctx context.Context) error
	LoadAudiobook(ctx context.Context, m AudiobookMedia) error
	Play() error
	Pause() error
	Stop() error
	Seek(seconds int) error
	GetStatus() (*CastStatus, error)
	Close(stopMedia bool) error
	IsConnected() bool
}

// SessionListener receives session callbacks. Calls for one session never
// overlap.
type SessionListener interface {
	SessionStarted(deviceName string)
	StatusChanged(status CastStatus)
	SessionEnded(err error)
}

// Endpoint is the receiver a session is opened against.
type Endpoint struct {
	Host string
	Port int
	Name string
}

type session struct {
	client   Client
	listener SessionListener
	cancel   context.CancelFunc
	done     chan struct{}
}

// SessionManager owns at most one cast session and reports its lifecycle
// through callbacks, the way a platform session manager does.
type SessionManager struct {
	NewClient         func(host string, port int) Client
	StatusInterval    time.Duration
	MaxStatusFailures int
	Logger            zerolog.Logger

	mu      sync.Mutex
	current *session
}

// NewSessionManager returns a manager creating real cast clients.
func NewSessionManager(logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		NewClient: func(host string, port int) Client {
			c := NewCastClient(host, port)
			c.Logger = logger
			return c
		},
		StatusInterval:    defaultStatusInterval,
		MaxStatusFailures: defaultMaxStatusFailures,
		Logger:            logger,
	}
}

// Select ends any running session and opens a new one on ep. It returns
// once the connection attempt resolved; on success l.SessionStarted has
// been called and status callbacks follow.
func (m *SessionManager) Select(ctx context.Context, ep Endpoint, l SessionListener) error {
	m.Unselect(false)

	client := m.NewClient(ep.Host, ep.Port)
	if err := client.Connect(ctx); err != nil {
		m.Logger.Debug().Str("Method", "Select").Str("Host", ep.Host).Err(err).Msg("session failed to start")
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		client:   client,
		listener: l,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	l.SessionStarted(ep.Name)
	go m.watch(watchCtx, s)

	return nil
}

// Unselect ends the current session, if any.
func (m *SessionManager) Unselect(stopMedia bool) {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s == nil {
		return
	}

	s.cancel()
	<-s.done
	_ = s.client.Close(stopMedia)
	s.listener.SessionEnded(nil)
}

// watch polls the receiver and forwards status until the session is
// cancelled or the receiver stops answering.
func (m *SessionManager) watch(ctx context.Context, s *session) {
	defer close(s.done)

	interval := m.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	maxFailures := m.MaxStatusFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxStatusFailures
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := s.client.GetStatus()
		if err == nil && s.client.IsConnected() {
			failures = 0
			if ctx.Err() == nil {
				s.listener.StatusChanged(*status)
			}
			continue
		}

		failures++
		m.Logger.Debug().Str("Method", "watch").Int("Failures", failures).Err(err).Msg("status failed")
		if failures < maxFailures && s.client.IsConnected() {
			continue
		}

		m.mu.Lock()
		stillCurrent := m.current == s
		if stillCurrent {
			m.current = nil
		}
		m.mu.Unlock()

		if stillCurrent {
			_ = s.client.Close(false)
			s.listener.SessionEnded(err)
		}
		return
	}
}

func (m *SessionManager) client() (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNotConnected
	}
	return m.current.client, nil
}

// Load sends a rich LOAD on the current session.
func (m *SessionManager) Load(ctx context.Context, media AudiobookMedia) error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.LoadAudiobook(ctx, media)
}

// Play resumes the current session.
func (m *SessionManager) Play() error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.Play()
}

// Pause pauses the current session.
func (m *SessionManager) Pause() error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.Pause()
}

// Seek moves the current session to seconds from start.
func (m *SessionManager) Seek(seconds int) error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.Seek(seconds)
}

// Stop stops the current media.
func (m *SessionManager) Stop() error {
	c, err := m.client()
	if err != nil {
		return err
	}
	return c.Stop()
}
