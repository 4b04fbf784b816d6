package targets

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go2tv.app/audiocast/devices"
)

// DefaultECPAppID is the channel launched for audio playback.
const DefaultECPAppID = "782875"

var errNoPlayerState = errors.New("ecp: media-player reply without a state")

var (
	ecpStateRe    = regexp.MustCompile(`state="([a-z]+)"`)
	ecpPositionRe = regexp.MustCompile(`(\d+)\s*ms`)
)

// ECP controls Roku-style receivers through the External Control Protocol.
// Connect is optimistic and seeking is not supported.
type ECP struct {
	base
	appID string

	urlMu sync.Mutex
	url   string
}

// NewECP returns an ECP target launching appID ("" for the default).
func NewECP(appID string, opts Options) *ECP {
	if appID == "" {
		appID = DefaultECPAppID
	}
	t := &ECP{appID: appID}
	t.init(devices.ECP, opts)
	return t
}

func (t *ECP) endpoint() string {
	t.urlMu.Lock()
	defer t.urlMu.Unlock()
	return t.url
}

// Connect marks the device connected without a probe and starts polling.
func (t *ECP) Connect(_ context.Context, d devices.Device) {
	gen := t.begin()

	t.urlMu.Lock()
	t.url = baseURL(d)
	t.urlMu.Unlock()

	t.log("Connect").Str("Device", d.Name).Msg("connected")
	t.connected(gen, d.Name)
	t.startPoll(gen, t.poll)
}

func (t *ECP) Disconnect(context.Context) {
	t.begin()

	t.urlMu.Lock()
	t.url = ""
	t.urlMu.Unlock()
}

// LoadMedia launches the audio channel with the stream URL.
func (t *ECP) LoadMedia(ctx context.Context, m Media) {
	gen := t.generation()
	u := t.endpoint()
	if u == "" {
		t.log("LoadMedia").Msg("not connected")
		return
	}

	if _, err := doRequest(ctx, commandClient, http.MethodPost, u+"/launch/"+t.appID+"?"+launchQuery(m), nil, nil); err != nil {
		t.log("LoadMedia").Err(err).Msg("launch failed")
		return
	}

	t.set(gen, func(s *Signals) { s.Playing.Set(true) })
	t.setPosition(gen, m.PositionSeconds)
}

// launchQuery keeps the parameter order receivers expect: url, mediaType,
// t, songname, then the optional metadata.
func launchQuery(m Media) string {
	var b strings.Builder
	b.WriteString("url=" + url.QueryEscape(m.URL))
	b.WriteString("&mediaType=audio")
	b.WriteString("&t=" + strconv.FormatInt(max(m.PositionSeconds, 0), 10))
	b.WriteString("&songname=" + url.QueryEscape(m.Title))
	if m.Author != "" {
		b.WriteString("&artistName=" + url.QueryEscape(m.Author))
	}
	if m.CoverURL != "" {
		b.WriteString("&albumArtUrl=" + url.QueryEscape(m.CoverURL))
	}
	return b.String()
}

func (t *ECP) keypress(ctx context.Context, key string) bool {
	u := t.endpoint()
	if u == "" {
		t.log("keypress").Str("Key", key).Msg("not connected")
		return false
	}
	if _, err := doRequest(ctx, commandClient, http.MethodPost, u+"/keypress/"+key, nil, nil); err != nil {
		t.log("keypress").Str("Key", key).Err(err).Msg("keypress failed")
		return false
	}
	return true
}

// Play sends the Play key, which toggles on the receiver.
func (t *ECP) Play(ctx context.Context) {
	gen := t.generation()
	if t.keypress(ctx, "Play") {
		t.set(gen, func(s *Signals) { s.Playing.Set(true) })
	}
}

// Pause sends the same Play key as Play.
func (t *ECP) Pause(ctx context.Context) {
	gen := t.generation()
	if t.keypress(ctx, "Play") {
		t.set(gen, func(s *Signals) { s.Playing.Set(false) })
	}
}

// Seek is not supported by ECP and issues no request.
func (t *ECP) Seek(_ context.Context, seconds int64) {
	t.opts.Logger.Warn().Str("Protocol", t.protocol.String()).Str("Method", "Seek").
		Int64("Position", seconds).Msg("seek not supported")
}

// Stop returns the receiver to its home screen.
func (t *ECP) Stop(ctx context.Context) {
	gen := t.generation()
	if t.keypress(ctx, "Home") {
		t.set(gen, func(s *Signals) { s.Playing.Set(false) })
	}
}

type mediaPlayer struct {
	XMLName  xml.Name `xml:"player"`
	State    string   `xml:"state,attr"`
	Position string   `xml:"position"`
}

// parseMediaPlayer reads state and position (seconds) from a
// /query/media-player reply. Bodies that are not well formed XML fall back
// to pattern matching.
func parseMediaPlayer(body []byte) (string, int64, bool) {
	var mp mediaPlayer
	if err := xml.Unmarshal(body, &mp); err == nil && mp.State != "" {
		return mp.State, parseMillis(mp.Position), true
	}

	m := ecpStateRe.FindSubmatch(body)
	if m == nil {
		return "", 0, false
	}
	var pos int64
	if p := ecpPositionRe.FindSubmatch(body); p != nil {
		pos = parseMillis(string(p[1]))
	}
	return string(m[1]), pos, true
}

func parseMillis(s string) int64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "ms"))
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return ms / 1000
}

func (t *ECP) poll(ctx context.Context, gen uint64) error {
	body, err := doRequest(ctx, pollClient, http.MethodGet, t.endpoint()+"/query/media-player", nil, nil)
	if err != nil {
		return err
	}

	state, pos, ok := parseMediaPlayer(body)
	if !ok {
		return errNoPlayerState
	}

	t.set(gen, func(s *Signals) {
		s.Playing.Set(state == "play")
		if state != "close" && state != "none" {
			s.Position.Set(pos)
		}
	})
	return nil
}

type deviceInfo struct {
	UserDeviceName     string `xml:"user-device-name"`
	FriendlyDeviceName string `xml:"friendly-device-name"`
	DefaultDeviceName  string `xml:"default-device-name"`
	ModelName          string `xml:"model-name"`
}

// LookupName reads the user visible name from /query/device-info.
func (t *ECP) LookupName(ctx context.Context, d devices.Device) (string, error) {
	body, err := doRequest(ctx, pollClient, http.MethodGet, baseURL(d)+"/query/device-info", nil, nil)
	if err != nil {
		return "", err
	}

	var info deviceInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return "", errors.Wrap(err, "ecp: device-info")
	}

	for _, n := range []string{info.UserDeviceName, info.FriendlyDeviceName, info.DefaultDeviceName, info.ModelName} {
		if n = strings.TrimSpace(n); n != "" {
			return n, nil
		}
	}
	return "", errors.New("ecp: device-info without a name")
}
