package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go2tv.app/audiocast/devices"
	"golang.org/x/mod/semver"
)

// DefaultSettleDelay is how long a receiver gets after Player.Open before
// its player id is looked up again.
const DefaultSettleDelay = 1 * time.Second

// wrappedSeekSince is the first API version expecting Player.Seek values as
// {"time": {...}}.
const wrappedSeekSince = "v12.0.0"

var (
	errNoPong         = errors.New("jsonrpc: ping not answered with pong")
	errNoActivePlayer = errors.New("jsonrpc: no active player")
)

// JSONRPC controls Kodi-style receivers over JSON-RPC 2.0.
type JSONRPC struct {
	base
	settle time.Duration

	rpcMu       sync.Mutex
	url         string
	playerID    *int
	wrappedSeek bool
}

// NewJSONRPC returns a JSON-RPC target. settle 0 means DefaultSettleDelay.
func NewJSONRPC(settle time.Duration, opts Options) *JSONRPC {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	t := &JSONRPC{settle: settle}
	t.init(devices.JSONRPC, opts)
	return t
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type activePlayer struct {
	PlayerID int    `json:"playerid"`
	Type     string `json:"type"`
}

type timeObject struct {
	Hours        int `json:"hours"`
	Minutes      int `json:"minutes"`
	Seconds      int `json:"seconds"`
	Milliseconds int `json:"milliseconds"`
}

type playerProperties struct {
	Time  timeObject `json:"time"`
	Speed float64    `json:"speed"`
}

type apiVersion struct {
	Version struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
		Patch int `json:"patch"`
	} `json:"version"`
}

func toTimeObject(seconds int64) timeObject {
	if seconds < 0 {
		seconds = 0
	}
	return timeObject{
		Hours:   int(seconds / 3600),
		Minutes: int(seconds % 3600 / 60),
		Seconds: int(seconds % 60),
	}
}

func (o timeObject) seconds() int64 {
	return int64(o.Hours)*3600 + int64(o.Minutes)*60 + int64(o.Seconds)
}

func rpcURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/jsonrpc"
}

func call(ctx context.Context, client *http.Client, url, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, err
	}

	data, err := doRequest(ctx, client, http.MethodPost, url, bytes.NewReader(payload), http.Header{
		"Content-Type": {"application/json"},
	})
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %d %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// ping reports whether the receiver answers JSONRPC.Ping with "pong".
func ping(ctx context.Context, client *http.Client, url string) error {
	raw, err := call(ctx, client, url, "JSONRPC.Ping", nil)
	if err != nil {
		return err
	}
	if !bytes.Contains(raw, []byte("pong")) {
		return errNoPong
	}
	return nil
}

// Probe pings host:port and reports whether it is a JSON-RPC receiver.
func (t *JSONRPC) Probe(ctx context.Context, host string, port int) bool {
	err := ping(ctx, pollClient, rpcURL(host, port))
	if err != nil {
		t.log("Probe").Str("Host", host).Err(err).Msg("not a receiver")
	}
	return err == nil
}

func (t *JSONRPC) endpoint() string {
	t.rpcMu.Lock()
	defer t.rpcMu.Unlock()
	return t.url
}

func (t *JSONRPC) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	u := t.endpoint()
	if u == "" {
		return nil, errors.New("jsonrpc: not connected")
	}
	return call(ctx, commandClient, u, method, params)
}

// Connect pings the receiver and only marks it connected on "pong".
func (t *JSONRPC) Connect(ctx context.Context, d devices.Device) {
	gen := t.begin()
	u := rpcURL(d.Host, d.Port)

	t.rpcMu.Lock()
	t.url = u
	t.playerID = nil
	t.wrappedSeek = false
	t.rpcMu.Unlock()

	if err := ping(ctx, pollClient, u); err != nil {
		t.connectFailed(gen, err)
		return
	}

	if raw, err := call(ctx, pollClient, u, "JSONRPC.Version", nil); err == nil {
		var v apiVersion
		if json.Unmarshal(raw, &v) == nil {
			version := fmt.Sprintf("v%d.%d.%d", v.Version.Major, v.Version.Minor, v.Version.Patch)
			t.rpcMu.Lock()
			t.wrappedSeek = semver.Compare(version, wrappedSeekSince) >= 0
			t.rpcMu.Unlock()
			t.log("Connect").Str("API", version).Msg("api version")
		}
	}

	if !t.connected(gen, d.Name) {
		return
	}
	t.startPoll(gen, t.poll)
}

func (t *JSONRPC) Disconnect(context.Context) {
	t.begin()
	t.rpcMu.Lock()
	t.url = ""
	t.playerID = nil
	t.rpcMu.Unlock()
}

func (t *JSONRPC) cachedPlayer() (int, bool) {
	t.rpcMu.Lock()
	defer t.rpcMu.Unlock()
	if t.playerID == nil {
		return 0, false
	}
	return *t.playerID, true
}

func (t *JSONRPC) setPlayer(id *int) {
	t.rpcMu.Lock()
	defer t.rpcMu.Unlock()
	t.playerID = id
}

// resolvePlayer asks for the active player and caches its id.
func (t *JSONRPC) resolvePlayer(ctx context.Context) (int, error) {
	raw, err := t.rpc(ctx, "Player.GetActivePlayers", nil)
	if err != nil {
		return 0, err
	}

	var players []activePlayer
	if err := json.Unmarshal(raw, &players); err != nil {
		return 0, err
	}
	if len(players) == 0 {
		t.setPlayer(nil)
		return 0, errNoActivePlayer
	}

	id := players[0].PlayerID
	t.setPlayer(&id)
	return id, nil
}

func (t *JSONRPC) player(ctx context.Context) (int, error) {
	if id, ok := t.cachedPlayer(); ok {
		return id, nil
	}
	return t.resolvePlayer(ctx)
}

// LoadMedia opens the stream, waits for the player to settle, then seeks to
// the start position.
func (t *JSONRPC) LoadMedia(ctx context.Context, m Media) {
	gen := t.generation()

	if _, err := t.rpc(ctx, "Player.Open", map[string]any{
		"item": map[string]any{"file": m.URL},
	}); err != nil {
		t.log("LoadMedia").Err(err).Msg("open failed")
		return
	}
	t.setPlayer(nil)
	t.set(gen, func(s *Signals) { s.Playing.Set(true) })

	if !sleepCtx(ctx, t.settle) {
		return
	}

	id, err := t.resolvePlayer(ctx)
	if err != nil {
		t.log("LoadMedia").Err(err).Msg("player not found after open")
		return
	}

	if m.PositionSeconds > 0 {
		if err := t.seekPlayer(ctx, id, m.PositionSeconds); err != nil {
			t.log("LoadMedia").Err(err).Msg("seek after open failed")
			return
		}
	}
	t.setPosition(gen, m.PositionSeconds)
}

func (t *JSONRPC) seekPlayer(ctx context.Context, id int, seconds int64) error {
	t.rpcMu.Lock()
	wrapped := t.wrappedSeek
	t.rpcMu.Unlock()

	var value any = toTimeObject(seconds)
	if wrapped {
		value = map[string]any{"time": value}
	}

	_, err := t.rpc(ctx, "Player.Seek", map[string]any{
		"playerid": id,
		"value":    value,
	})
	return err
}

func (t *JSONRPC) playPause(ctx context.Context, play bool) {
	gen := t.generation()

	id, err := t.player(ctx)
	if err != nil {
		t.log("PlayPause").Err(err).Msg("no player")
		return
	}
	if _, err := t.rpc(ctx, "Player.PlayPause", map[string]any{"playerid": id, "play": play}); err != nil {
		t.log("PlayPause").Err(err).Msg("play/pause failed")
		return
	}
	t.set(gen, func(s *Signals) { s.Playing.Set(play) })
}

func (t *JSONRPC) Play(ctx context.Context)  { t.playPause(ctx, true) }
func (t *JSONRPC) Pause(ctx context.Context) { t.playPause(ctx, false) }

func (t *JSONRPC) Seek(ctx context.Context, seconds int64) {
	gen := t.generation()

	id, err := t.player(ctx)
	if err != nil {
		t.log("Seek").Err(err).Msg("no player")
		return
	}
	if err := t.seekPlayer(ctx, id, seconds); err != nil {
		t.log("Seek").Err(err).Msg("seek failed")
		return
	}
	t.setPosition(gen, seconds)
}

func (t *JSONRPC) Stop(ctx context.Context) {
	gen := t.generation()

	id, err := t.player(ctx)
	if err != nil {
		t.log("Stop").Err(err).Msg("no player")
		return
	}
	if _, err := t.rpc(ctx, "Player.Stop", map[string]any{"playerid": id}); err != nil {
		t.log("Stop").Err(err).Msg("stop failed")
		return
	}
	t.setPlayer(nil)
	t.set(gen, func(s *Signals) { s.Playing.Set(false) })
}

func (t *JSONRPC) poll(ctx context.Context, gen uint64) error {
	id, ok := t.cachedPlayer()
	if !ok {
		var err error
		id, err = t.resolvePlayer(ctx)
		if errors.Is(err, errNoActivePlayer) {
			t.set(gen, func(s *Signals) { s.Playing.Set(false) })
			return nil
		}
		if err != nil {
			return err
		}
	}

	raw, err := call(ctx, pollClient, t.endpoint(), "Player.GetProperties", map[string]any{
		"playerid":   id,
		"properties": []string{"time", "speed"},
	})
	if err != nil {
		t.setPlayer(nil)
		return err
	}

	var props playerProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return err
	}

	t.set(gen, func(s *Signals) {
		s.Playing.Set(props.Speed != 0)
		s.Position.Set(props.Time.seconds())
	})
	return nil
}
