package targets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go2tv.app/audiocast/devices"
)

// HTTPParam controls AirPlay-style receivers that take parameters as
// text/parameters bodies and query strings. Connect is optimistic.
type HTTPParam struct {
	base

	stMu        sync.Mutex
	url         string
	sessionID   string
	duration    float64
	pendingSeek int64

	// lastPos is the position of the previous poll, valid while havePos.
	lastPos float64
	havePos bool
}

// NewHTTPParam returns an HTTP-parameter target.
func NewHTTPParam(opts Options) *HTTPParam {
	t := &HTTPParam{}
	t.init(devices.HTTPParam, opts)
	return t
}

func (t *HTTPParam) Connect(_ context.Context, d devices.Device) {
	gen := t.begin()

	t.stMu.Lock()
	t.url = baseURL(d)
	t.sessionID = uuid.NewString()
	t.duration = 0
	t.pendingSeek = 0
	t.havePos = false
	t.stMu.Unlock()

	t.log("Connect").Str("Device", d.Name).Msg("connected")
	t.connected(gen, d.Name)
	t.startPoll(gen, t.poll)
}

func (t *HTTPParam) Disconnect(context.Context) {
	t.begin()

	t.stMu.Lock()
	t.url = ""
	t.duration = 0
	t.pendingSeek = 0
	t.havePos = false
	t.stMu.Unlock()
}

// forgetPosition makes the next poll a baseline instead of a playback
// sample. Commands move the position on their own.
func (t *HTTPParam) forgetPosition() {
	t.stMu.Lock()
	t.havePos = false
	t.stMu.Unlock()
}

func (t *HTTPParam) request(ctx context.Context, client *http.Client, method, path string, body []byte) ([]byte, error) {
	t.stMu.Lock()
	u, session := t.url, t.sessionID
	t.stMu.Unlock()

	if u == "" {
		return nil, fmt.Errorf("%s: not connected", path)
	}

	hdr := http.Header{
		"X-Apple-Session-Id": {session},
		"User-Agent":         {"MediaControl/1.0"},
	}
	var r *bytes.Reader
	if body != nil {
		hdr.Set("Content-Type", "text/parameters")
		r = bytes.NewReader(body)
	}

	if r == nil {
		return doRequest(ctx, client, method, u+path, nil, hdr)
	}
	return doRequest(ctx, client, method, u+path, r, hdr)
}

// formatFraction renders a start fraction with at least one decimal.
func formatFraction(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// startFraction converts an offset into the 0.0-1.0 start position using
// the last observed duration.
func startFraction(position int64, duration float64) float64 {
	if duration <= 0 || position <= 0 {
		return 0
	}
	f := float64(position) / duration
	if f > 1 {
		return 1
	}
	return f
}

// LoadMedia posts /play. Without a known duration the item starts at 0 and
// the offset is applied with /scrub once the first poll reports a duration.
func (t *HTTPParam) LoadMedia(ctx context.Context, m Media) {
	gen := t.generation()

	t.stMu.Lock()
	duration := t.duration
	t.stMu.Unlock()

	fraction := startFraction(m.PositionSeconds, duration)
	body := fmt.Sprintf("Content-Location: %s\nStart-Position: %s\n", m.URL, formatFraction(fraction))

	if _, err := t.request(ctx, commandClient, http.MethodPost, "/play", []byte(body)); err != nil {
		t.log("LoadMedia").Err(err).Msg("play failed")
		return
	}

	t.stMu.Lock()
	t.pendingSeek = 0
	if duration <= 0 && m.PositionSeconds > 0 {
		t.pendingSeek = m.PositionSeconds
	}
	t.havePos = false
	t.stMu.Unlock()

	t.set(gen, func(s *Signals) { s.Playing.Set(true) })
	t.setPosition(gen, m.PositionSeconds)
}

func (t *HTTPParam) rate(ctx context.Context, value string, playing bool) {
	gen := t.generation()
	if _, err := t.request(ctx, commandClient, http.MethodPost, "/rate?value="+value, nil); err != nil {
		t.log("rate").Str("Value", value).Err(err).Msg("rate failed")
		return
	}
	t.forgetPosition()
	t.set(gen, func(s *Signals) { s.Playing.Set(playing) })
}

func (t *HTTPParam) Play(ctx context.Context)  { t.rate(ctx, "1.0", true) }
func (t *HTTPParam) Pause(ctx context.Context) { t.rate(ctx, "0.0", false) }

func (t *HTTPParam) scrub(ctx context.Context, seconds int64) error {
	_, err := t.request(ctx, commandClient, http.MethodPost, "/scrub?position="+strconv.FormatInt(max(seconds, 0), 10), nil)
	return err
}

func (t *HTTPParam) Seek(ctx context.Context, seconds int64) {
	gen := t.generation()
	if err := t.scrub(ctx, seconds); err != nil {
		t.log("Seek").Err(err).Msg("scrub failed")
		return
	}
	t.forgetPosition()
	t.setPosition(gen, seconds)
}

func (t *HTTPParam) Stop(ctx context.Context) {
	gen := t.generation()
	if _, err := t.request(ctx, commandClient, http.MethodPost, "/stop", nil); err != nil {
		t.log("Stop").Err(err).Msg("stop failed")
		return
	}

	t.stMu.Lock()
	t.duration = 0
	t.pendingSeek = 0
	t.havePos = false
	t.stMu.Unlock()

	t.set(gen, func(s *Signals) { s.Playing.Set(false) })
}

// parseScrub reads "duration: <f>" and "position: <f>" lines.
func parseScrub(body []byte) (duration, position float64, ok bool) {
	var haveDuration, havePosition bool

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		key, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(strings.ToLower(key)) {
		case "duration":
			duration, haveDuration = f, true
		case "position":
			position, havePosition = f, true
		}
	}

	return duration, position, haveDuration && havePosition
}

func (t *HTTPParam) poll(ctx context.Context, gen uint64) error {
	body, err := t.request(ctx, pollClient, http.MethodGet, "/scrub", nil)
	if err != nil {
		return err
	}

	duration, position, ok := parseScrub(body)
	if !ok || duration <= 0 {
		t.forgetPosition()
		t.set(gen, func(s *Signals) { s.Playing.Set(false) })
		return nil
	}

	t.stMu.Lock()
	t.duration = duration
	pending := t.pendingSeek
	t.pendingSeek = 0
	last, sampled := t.lastPos, t.havePos
	t.lastPos, t.havePos = position, pending <= 0
	t.stMu.Unlock()

	if pending > 0 {
		if err := t.scrub(ctx, pending); err != nil {
			t.log("poll").Err(err).Msg("pending seek failed")
		} else {
			t.setPosition(gen, pending)
			return nil
		}
	}

	t.setPosition(gen, int64(position))
	// The receiver may be driven by its own remote: an advancing position
	// means playing, a frozen one paused. A backwards jump is a seek.
	if sampled && position >= last {
		playing := position > last
		t.set(gen, func(s *Signals) { s.Playing.Set(playing) })
	}
	return nil
}
