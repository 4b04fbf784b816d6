package httphandlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/audiocast/cast"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/signals"
)

type fakeController struct {
	devices *signals.Value[[]devices.Device]
	state   *signals.Value[cast.State]

	mu        sync.Mutex
	calls     []string
	connected devices.Device
	book      cast.Audiobook
	seek      int64
}

func newFakeController() *fakeController {
	return &fakeController{
		devices: signals.New([]devices.Device{
			{ID: "roku_10.0.0.9", Name: "Roku", Protocol: devices.ECP, Host: "10.0.0.9", Port: 8060},
		}),
		state: signals.New(cast.State{}),
	}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Devices() *signals.Value[[]devices.Device] { return f.devices }
func (f *fakeController) State() *signals.Value[cast.State] { return f.state }
func (f *fakeController) StartDiscovery(context.Context) { f.record("startDiscovery") }
func (f *fakeController) StopDiscovery() { f.record("stopDiscovery") }
func (f *fakeController) Disconnect(context.Context) { f.record("disconnect") }
func (f *fakeController) Play(context.Context) { f.record("play") }
func (f *fakeController) Pause(context.Context) { f.record("pause") }
func (f *fakeController) Stop(context.Context) { f.record("stop") }
func (f *fakeController) ClearError() { f.record("clearError") }

func (f *fakeController) ConnectToDevice(_ context.Context, d devices.Device) {
	f.record("connect")
	f.mu.Lock()
	f.connected = d
	f.mu.Unlock()

	p := d.Protocol
	f.state.Set(cast.State{Connection: cast.Connected, Connected: true, DeviceName: d.Name, ActiveProtocol: &p})
}

func (f *fakeController) CastAudiobook(_ context.Context, book cast.Audiobook) {
	f.record("castAudiobook")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.book = book
}

func (f *fakeController) Seek(_ context.Context, seconds int64) {
	f.record("seek")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seek = seconds
}

func TestDispatch(t *testing.T) {
	tt := []struct {
		name    string
		event   string
		payload string
		want    string
		wantErr error
	}{
		{name: "play", event: "play", want: "play"},
		{name: "pause", event: "pause", want: "pause"},
		{name: "stop", event: "stop", want: "stop"},
		{name: "clear error", event: "clearError", want: "clearError"},
		{name: "start discovery", event: "startDiscovery", want: "startDiscovery"},
		{name: "stop discovery", event: "stopDiscovery", want: "stopDiscovery"},
		{name: "disconnect", event: "disconnectDevice", want: "disconnect"},
		{name: "seek number", event: "seek", payload: `90`, want: "seek"},
		{name: "seek object", event: "seek", payload: `{"position": 90}`, want: "seek"},
		{name: "seek without position", event: "seek", payload: `{}`, wantErr: ErrBadPayload},
		{name: "connect", event: "connectDevice", payload: `{"id":"roku_10.0.0.9"}`, want: "connect"},
		{name: "connect unknown", event: "connectDevice", payload: `{"id":"kodi_10.0.0.3"}`, wantErr: ErrUnknownDevice},
		{name: "connect no payload", event: "connectDevice", wantErr: ErrBadPayload},
		{name: "cast", event: "castAudiobook", payload: `{"streamUrl":"http://srv/s","title":"Dune","positionSeconds":12}`, want: "castAudiobook"},
		{name: "cast without url", event: "castAudiobook", payload: `{"title":"Dune"}`, wantErr: ErrBadPayload},
		{name: "unknown", event: "reboot", wantErr: ErrUnknownEvent},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newFakeController()
			s := NewServer(":0", ctrl, zerolog.Nop())

			var payload []byte
			if tc.payload != "" {
				payload = []byte(tc.payload)
			}

			err := s.Dispatch(t.Context(), tc.event, payload)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Dispatch() = %v, want %v", err, tc.wantErr)
				}
				if len(ctrl.calls) != 0 {
					t.Fatalf("calls = %v, want none", ctrl.calls)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dispatch() = %v", err)
			}
			if !slices.Equal(ctrl.calls, []string{tc.want}) {
				t.Fatalf("calls = %v, want [%s]", ctrl.calls, tc.want)
			}
		})
	}
}

func TestDispatchPayloads(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(":0", ctrl, zerolog.Nop())

	if err := s.Dispatch(t.Context(), "seek", []byte(`{"position": 754.9}`)); err != nil {
		t.Fatalf("Dispatch(seek) = %v", err)
	}
	if ctrl.seek != 754 {
		t.Fatalf("seek = %d, want 754", ctrl.seek)
	}

	book := `{"streamUrl":"http://srv/s","title":"Dune","author":"Frank Herbert","coverUrl":"http://srv/c","positionSeconds":12,"durationSeconds":3600}`
	if err := s.Dispatch(t.Context(), "castAudiobook", []byte(book)); err != nil {
		t.Fatalf("Dispatch(castAudiobook) = %v", err)
	}
	want := cast.Audiobook{
		StreamURL:       "http://srv/s",
		Title:           "Dune",
		Author:          "Frank Herbert",
		CoverURL:        "http://srv/c",
		PositionSeconds: 12,
		DurationSeconds: 3600,
	}
	if ctrl.book != want {
		t.Fatalf("book = %+v, want %+v", ctrl.book, want)
	}
}

func TestStateEndpoint(t *testing.T) {
	ctrl := newFakeController()
	p := devices.ECP
	ctrl.state.Set(cast.State{Connection: cast.Connected, Connected: true, Playing: true, Position: 42, DeviceName: "Roku", ActiveProtocol: &p})
	s := NewServer(":0", ctrl, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got struct {
		State struct {
			Connection     string `json:"connection"`
			Playing        bool   `json:"playing"`
			Position       int64  `json:"position"`
			ActiveProtocol string `json:"activeProtocol"`
		} `json:"state"`
		Devices []struct {
			ID       string `json:"id"`
			Protocol string `json:"protocol"`
		} `json:"devices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.State.Connection != "connected" || !got.State.Playing || got.State.Position != 42 || got.State.ActiveProtocol != "roku" {
		t.Fatalf("state = %+v", got.State)
	}
	if len(got.Devices) != 1 || got.Devices[0].ID != "roku_10.0.0.9" || got.Devices[0].Protocol != "roku" {
		t.Fatalf("devices = %+v", got.Devices)
	}
}

func TestStateEndpointEmptyDevices(t *testing.T) {
	ctrl := newFakeController()
	ctrl.devices.Set(nil)
	s := NewServer(":0", ctrl, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if !strings.Contains(rec.Body.String(), `"devices":[]`) {
		t.Fatalf("body = %s, want an empty device array", rec.Body.String())
	}
}

func TestCommandEndpoint(t *testing.T) {
	tt := []struct {
		name   string
		event  string
		body   string
		status int
	}{
		{name: "connect", event: "connectDevice", body: `{"id":"roku_10.0.0.9"}`, status: http.StatusOK},
		{name: "unknown device", event: "connectDevice", body: `{"id":"nope"}`, status: http.StatusNotFound},
		{name: "unknown event", event: "reboot", status: http.StatusNotFound},
		{name: "bad json", event: "castAudiobook", body: `{`, status: http.StatusBadRequest},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newFakeController()
			s := NewServer(":0", ctrl, zerolog.Nop())

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/command/"+tc.event, strings.NewReader(tc.body))
			s.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestCommandEndpointReturnsState(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(":0", ctrl, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/command/connectDevice", strings.NewReader(`{"id":"roku_10.0.0.9"}`)))

	var st struct {
		Connected  bool   `json:"connected"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Connected || st.DeviceName != "Roku" {
		t.Fatalf("state = %+v", st)
	}
	if ctrl.connected.Host != "10.0.0.9" {
		t.Fatalf("connected = %+v", ctrl.connected)
	}
}

func TestWatchBroadcastsChanges(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(":0", ctrl, zerolog.Nop())

	type emitted struct {
		event string
		v     any
	}
	out := make(chan emitted, 16)
	s.emit = func(event string, v any) { out <- emitted{event, v} }

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	s.Watch(ctx)

	ctrl.state.Set(cast.State{Playing: true, Position: 7})

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-out:
			if st, ok := e.v.(cast.State); ok && e.event == "pushState" && st.Position == 7 {
				return
			}
		case <-deadline:
			t.Fatal("no pushState broadcast for the new state")
		}
	}
}

func TestSocketPayload(t *testing.T) {
	tt := []struct {
		name string
		args []any
		want string
	}{
		{"none", nil, ""},
		{"nil", []any{nil}, ""},
		{"number", []any{float64(30)}, "30"},
		{"object", []any{map[string]any{"id": "roku_10.0.0.9"}}, `{"id":"roku_10.0.0.9"}`},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, err := socketPayload(tc.args)
			if err != nil {
				t.Fatalf("socketPayload() = %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("socketPayload() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer("127.0.0.1:0", ctrl, zerolog.Nop())

	serverStarted := make(chan error)
	go s.StartServer(serverStarted)
	if err := <-serverStarted; err != nil {
		t.Fatalf("StartServer() = %v", err)
	}
	defer s.StopServer()

	res, err := http.Get("http://" + s.Addr() + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer res.Body.Close()

	var snap struct {
		Devices []struct {
			ID string `json:"id"`
		} `json:"devices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.StatusCode != http.StatusOK || len(snap.Devices) != 1 || snap.Devices[0].ID != "roku_10.0.0.9" {
		t.Fatalf("status = %d, devices = %+v", res.StatusCode, snap.Devices)
	}
}
