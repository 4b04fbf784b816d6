package httphandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
	"go2tv.app/audiocast/cast"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/signals"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrUnknownDevice = errors.New("unknown device")
	ErrBadPayload    = errors.New("bad payload")
)

// Controller is the cast surface the bridge drives. *cast.Manager
// implements it.
type Controller interface {
	Devices() *signals.Value[[]devices.Device]
	State() *signals.Value[cast.State]
	StartDiscovery(ctx context.Context)
	StopDiscovery()
	ConnectToDevice(ctx context.Context, d devices.Device)
	Disconnect(ctx context.Context)
	CastAudiobook(ctx context.Context, book cast.Audiobook)
	Play(ctx context.Context)
	Pause(ctx context.Context)
	Seek(ctx context.Context, seconds int64)
	Stop(ctx context.Context)
	ClearError()
}

// Snapshot is the body of GET /api/state.
type Snapshot struct {
	State   cast.State       `json:"state"`
	Devices []devices.Device `json:"devices"`
}

// HTTPserver serves the socket.io bridge and the JSON endpoints.
type HTTPserver struct {
	http *http.Server
	Mux  *http.ServeMux
	io   *socket.Server
	ctrl Controller
	log  zerolog.Logger

	// emit broadcasts to every socket.io client.
	emit func(event string, v any)
}

// commands that only act on the controller. getState and getDevices are
// answered on the asking socket instead.
var commands = []string{
	"startDiscovery",
	"stopDiscovery",
	"connectDevice",
	"disconnectDevice",
	"castAudiobook",
	"play",
	"pause",
	"seek",
	"stop",
	"clearError",
}

// NewServer constructor generates a new HTTPserver listening on a.
func NewServer(a string, ctrl Controller, logger zerolog.Logger) *HTTPserver {
	opts := socket.DefaultServerOptions()
	opts.SetPingTimeout(20 * time.Second)
	opts.SetPingInterval(25 * time.Second)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	mux := http.NewServeMux()
	s := &HTTPserver{
		http: &http.Server{Addr: a, Handler: mux},
		Mux:  mux,
		io:   socket.NewServer(nil, opts),
		ctrl: ctrl,
		log:  logger,
	}
	s.emit = func(event string, v any) { s.io.Emit(event, v) }

	s.setupSocket()

	mux.Handle("/socket.io/", s.io.ServeHandler(nil))
	mux.HandleFunc("GET /api/state", s.stateHandler)
	mux.HandleFunc("POST /api/command/{event}", s.commandHandler)

	return s
}

func (s *HTTPserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

// StartServer listens and reports the outcome on serverStarted before
// serving.
func (s *HTTPserver) StartServer(serverStarted chan<- error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		serverStarted <- fmt.Errorf("server listen error: %w", err)
		return
	}

	s.http.Addr = ln.Addr().String()
	serverStarted <- nil
	_ = s.http.Serve(ln)
}

// Addr is the listen address, resolved once StartServer reported success.
func (s *HTTPserver) Addr() string { return s.http.Addr }

// StopServer closes the socket.io server and the HTTP listener.
func (s *HTTPserver) StopServer() {
	s.io.Close(nil)
	s.http.Close()
}

func (s *HTTPserver) setupSocket() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		id := client.Id()

		s.log.Debug().Str("Method", "connection").Str("Client", string(id)).Msg("client connected")

		s.pushState(client)
		s.pushDevices(client)

		client.On("disconnect", func(args ...any) {
			s.log.Debug().Str("Method", "disconnect").Str("Client", string(id)).Msg("client disconnected")
		})

		client.On("getState", func(...any) { s.pushState(client) })
		client.On("getDevices", func(...any) { s.pushDevices(client) })

		for _, event := range commands {
			client.On(event, func(args ...any) {
				payload, err := socketPayload(args)
				if err != nil {
					s.log.Warn().Str("Method", event).Err(err).Msg("dropping event")
					return
				}
				// Connecting can take the whole connect timeout.
				go func() {
					if err := s.Dispatch(context.Background(), event, payload); err != nil {
						s.log.Warn().Str("Method", event).Err(err).Msg("dispatch failed")
					}
				}()
			})
		}
	})
}

func (s *HTTPserver) pushState(client *socket.Socket) {
	client.Emit("pushState", s.ctrl.State().Get())
}

func (s *HTTPserver) pushDevices(client *socket.Socket) {
	client.Emit("pushDevices", deviceList(s.ctrl.Devices().Get()))
}

// socketPayload re-encodes the first event argument so both transports
// share one decoder.
func socketPayload(args []any) ([]byte, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	return b, nil
}

func deviceList(list []devices.Device) []devices.Device {
	if list == nil {
		return []devices.Device{}
	}
	return list
}

// Watch broadcasts every state and device list change until ctx is done.
func (s *HTTPserver) Watch(ctx context.Context) {
	states, cancelStates := s.ctrl.State().Subscribe()
	lists, cancelLists := s.ctrl.Devices().Subscribe()

	go func() {
		defer cancelStates()
		defer cancelLists()

		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				s.emit("pushState", st)
			case list, ok := <-lists:
				if !ok {
					return
				}
				s.emit("pushDevices", deviceList(list))
			}
		}
	}()
}

// Dispatch runs one client event. payload is the JSON argument of the event,
// nil when there is none.
func (s *HTTPserver) Dispatch(ctx context.Context, event string, payload []byte) error {
	s.log.Debug().Str("Method", "Dispatch").Str("Event", event).Msg("command")

	switch event {
	case "startDiscovery":
		// Discovery outlives the request that started it.
		s.ctrl.StartDiscovery(context.WithoutCancel(ctx))
	case "stopDiscovery":
		s.ctrl.StopDiscovery()
	case "connectDevice":
		var req struct {
			ID string `json:"id"`
		}
		if err := decode(payload, &req); err != nil {
			return err
		}
		i := slices.IndexFunc(s.ctrl.Devices().Get(), func(d devices.Device) bool { return d.ID == req.ID })
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownDevice, req.ID)
		}
		s.ctrl.ConnectToDevice(ctx, s.ctrl.Devices().Get()[i])
	case "disconnectDevice":
		s.ctrl.Disconnect(ctx)
	case "castAudiobook":
		var book cast.Audiobook
		if err := decode(payload, &book); err != nil {
			return err
		}
		if book.StreamURL == "" {
			return fmt.Errorf("%w: streamUrl is required", ErrBadPayload)
		}
		s.ctrl.CastAudiobook(ctx, book)
	case "play":
		s.ctrl.Play(ctx)
	case "pause":
		s.ctrl.Pause(ctx)
	case "seek":
		pos, err := seekPosition(payload)
		if err != nil {
			return err
		}
		s.ctrl.Seek(ctx, pos)
	case "stop":
		s.ctrl.Stop(ctx)
	case "clearError":
		s.ctrl.ClearError()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	return nil
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty", ErrBadPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadPayload, err)
	}
	return nil
}

// seekPosition accepts a bare number of seconds or {"position": n}.
func seekPosition(payload []byte) (int64, error) {
	var n float64
	if err := json.Unmarshal(payload, &n); err == nil {
		return int64(n), nil
	}

	var req struct {
		Position *float64 `json:"position"`
	}
	if err := decode(payload, &req); err != nil {
		return 0, err
	}
	if req.Position == nil {
		return 0, fmt.Errorf("%w: position is required", ErrBadPayload)
	}
	return int64(*req.Position), nil
}

func (s *HTTPserver) stateHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Snapshot{
		State:   s.ctrl.State().Get(),
		Devices: deviceList(s.ctrl.Devices().Get()),
	})
}

func (s *HTTPserver) commandHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Dispatch(r.Context(), r.PathValue("event"), payload); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrUnknownDevice):
			status = http.StatusNotFound
		case errors.Is(err, ErrBadPayload):
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, s.ctrl.State().Get())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
