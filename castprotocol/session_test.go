package castprotocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connect(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockClient) LoadAudiobook(ctx context.Context, media AudiobookMedia) error {
	return m.Called(ctx, media).Error(0)
}
func (m *mockClient) Play() error { return m.Called().Error(0) }
func (m *mockClient) Pause() error { return m.Called().Error(0) }
func (m *mockClient) Stop() error { return m.Called().Error(0) }
func (m *mockClient) Seek(seconds int) error { return m.Called(seconds).Error(0) }
func (m *mockClient) GetStatus() (*CastStatus, error) {
	args := m.Called()
	s, _ := args.Get(0).(*CastStatus)
	return s, args.Error(1)
}
func (m *mockClient) Close(stopMedia bool) error { return m.Called(stopMedia).Error(0) }
func (m *mockClient) IsConnected() bool { return m.Called().Bool(0) }

type recordingListener struct {
	mu       sync.Mutex
	started  []string
	statuses []CastStatus
	ended    []error
	endedCh  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{endedCh: make(chan struct{}, 4)}
}

func (l *recordingListener) SessionStarted(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, name)
}

func (l *recordingListener) StatusChanged(s CastStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *recordingListener) SessionEnded(err error) {
	l.mu.Lock()
	l.ended = append(l.ended, err)
	l.mu.Unlock()
	l.endedCh <- struct{}{}
}

func (l *recordingListener) statusCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses)
}

func newTestManager(c Client) *SessionManager {
	return &SessionManager{
		NewClient:         func(string, int) Client { return c },
		StatusInterval:    10 * time.Millisecond,
		MaxStatusFailures: 2,
		Logger:            zerolog.Nop(),
	}
}

func TestSessionSelectForwardsStatus(t *testing.T) {
	assertions := require.New(t)

	c := &mockClient{}
	c.On("Connect", mock.Anything).Return(nil)
	c.On("GetStatus").Return(&CastStatus{PlayerState: PlayerStatePlaying, CurrentTime: 42}, nil)
	c.On("IsConnected").Return(true)
	c.On("Close", true).Return(nil)

	m := newTestManager(c)
	l := newRecordingListener()

	assertions.NoError(m.Select(context.Background(), Endpoint{Host: "10.0.0.5", Port: 8009, Name: "Living Room"}, l))
	assertions.Equal([]string{"Living Room"}, l.started)

	assertions.Eventually(func() bool { return l.statusCount() > 0 }, time.Second, 5*time.Millisecond)

	m.Unselect(true)
	<-l.endedCh
	assertions.Nil(l.ended[0])
	c.AssertCalled(t, "Close", true)
}

func TestSessionSelectConnectFailure(t *testing.T) {
	assertions := require.New(t)

	c := &mockClient{}
	c.On("Connect", mock.Anything).Return(errors.New("refused"))

	m := newTestManager(c)
	l := newRecordingListener()

	assertions.Error(m.Select(context.Background(), Endpoint{Host: "10.0.0.5"}, l))
	assertions.Empty(l.started)
	assertions.ErrorIs(m.Play(), ErrNotConnected)
}

func TestSessionEndsAfterStatusFailures(t *testing.T) {
	assertions := require.New(t)

	c := &mockClient{}
	c.On("Connect", mock.Anything).Return(nil)
	c.On("GetStatus").Return(nil, errors.New("broken pipe"))
	c.On("IsConnected").Return(true)
	c.On("Close", false).Return(nil)

	m := newTestManager(c)
	l := newRecordingListener()
	assertions.NoError(m.Select(context.Background(), Endpoint{Host: "10.0.0.5"}, l))

	select {
	case <-l.endedCh:
	case <-time.After(time.Second):
		t.Fatal("session did not end after repeated status failures")
	}

	assertions.Error(l.ended[0])
	assertions.ErrorIs(m.Seek(10), ErrNotConnected)

	// Unselect after the watcher already ended the session is a no-op.
	m.Unselect(false)
	assertions.Len(l.ended, 1)
}

func TestSessionCommandsReachClient(t *testing.T) {
	assertions := require.New(t)

	c := &mockClient{}
	c.On("Connect", mock.Anything).Return(nil)
	c.On("GetStatus").Return(&CastStatus{PlayerState: PlayerStatePaused}, nil)
	c.On("IsConnected").Return(true)
	c.On("Pause").Return(nil)
	c.On("Seek", 300).Return(nil)
	c.On("LoadAudiobook", mock.Anything, mock.MatchedBy(func(m AudiobookMedia) bool { return m.Title == "Dune" })).Return(nil)
	c.On("Close", false).Return(nil)

	m := newTestManager(c)
	l := newRecordingListener()
	assertions.NoError(m.Select(context.Background(), Endpoint{Host: "10.0.0.5"}, l))

	assertions.NoError(m.Pause())
	assertions.NoError(m.Seek(300))
	assertions.NoError(m.Load(context.Background(), AudiobookMedia{URL: "http://srv/s", Title: "Dune"}))

	m.Unselect(false)
	c.AssertCalled(t, "Pause")
	c.AssertCalled(t, "Seek", 300)
	c.AssertCalled(t, "LoadAudiobook", mock.Anything, mock.Anything)
	c.AssertCalled(t, "Close", false)
}
