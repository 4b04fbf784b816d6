package targets

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go2tv.app/audiocast/devices"
)

// airplay is a fake HTTP-parameter receiver.
type airplay struct {
	mu       sync.Mutex
	duration float64
	position float64

	// step advances position on every status request while playing.
	step float64
}

func (a *airplay) handle(w http.ResponseWriter, r request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.Path == "/scrub":
		if a.duration == 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		a.position += a.step
		_, _ = w.Write([]byte("duration: " + formatFraction(a.duration) + "\nposition: " + formatFraction(a.position) + "\n"))
	case r.Method == http.MethodPost && r.Path == "/scrub":
		a.position, _ = strconv.ParseFloat(strings.TrimPrefix(r.Query, "position="), 64)
	}
}

func (a *airplay) setStep(step float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step = step
}

func (a *airplay) setDuration(d float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.duration = d
}

func TestHTTPParamStartFractionUnknownDuration(t *testing.T) {
	a := &airplay{}
	rc := newReceiver(t, a.handle)

	target := NewHTTPParam(testOptions())
	target.Connect(t.Context(), rc.device("Apple TV", devices.HTTPParam))
	t.Cleanup(func() { target.Disconnect(t.Context()) })

	if !target.Signals().Connected.Get() {
		t.Fatal("Connected = false, want optimistic connect")
	}

	target.LoadMedia(t.Context(), Media{URL: "http://x/stream?token=abc", Title: "Dune", PositionSeconds: 120})

	plays := rc.matching(http.MethodPost, "/play")
	if len(plays) != 1 {
		t.Fatalf("/play requests = %d, want 1", len(plays))
	}
	want := "Content-Location: http://x/stream?token=abc\nStart-Position: 0.0\n"
	if plays[0].Body != want {
		t.Fatalf("/play body = %q, want %q", plays[0].Body, want)
	}
	if got := plays[0].Header.Get("Content-Type"); got != "text/parameters" {
		t.Fatalf("Content-Type = %q, want text/parameters", got)
	}
	if plays[0].Header.Get("X-Apple-Session-ID") == "" {
		t.Fatal("missing X-Apple-Session-ID")
	}
}

func TestHTTPParamPendingSeekAppliedOnceDurationKnown(t *testing.T) {
	a := &airplay{}
	rc := newReceiver(t, a.handle)

	target := NewHTTPParam(testOptions())
	target.Connect(t.Context(), rc.device("Apple TV", devices.HTTPParam))
	t.Cleanup(func() { target.Disconnect(t.Context()) })

	target.LoadMedia(t.Context(), Media{URL: "http://x/stream", PositionSeconds: 120})
	if n := len(rc.matching(http.MethodPost, "/scrub")); n != 0 {
		t.Fatalf("/scrub posted before a duration was known")
	}

	a.setDuration(3600)

	waitFor(t, "pending scrub", func() bool { return len(rc.matching(http.MethodPost, "/scrub")) == 1 })
	if q := rc.matching(http.MethodPost, "/scrub")[0].Query; q != "position=120" {
		t.Fatalf("/scrub query = %q, want position=120", q)
	}

	before := len(rc.matching(http.MethodGet, "/scrub"))
	waitFor(t, "poll after scrub", func() bool { return len(rc.matching(http.MethodGet, "/scrub")) > before+1 })
	if got := target.Signals().Position.Get(); got != 120 {
		t.Fatalf("Position = %d, want 120", got)
	}
	if n := len(rc.matching(http.MethodPost, "/scrub")); n != 1 {
		t.Fatalf("/scrub posted %d times, want once", n)
	}
}

func TestHTTPParamStartFractionFromObservedDuration(t *testing.T) {
	a := &airplay{duration: 1000, position: 5}
	rc := newReceiver(t, a.handle)

	target := NewHTTPParam(testOptions())
	target.Connect(t.Context(), rc.device("Apple TV", devices.HTTPParam))
	t.Cleanup(func() { target.Disconnect(t.Context()) })

	waitFor(t, "duration observed", func() bool {
		target.stMu.Lock()
		defer target.stMu.Unlock()
		return target.duration == 1000
	})

	target.LoadMedia(t.Context(), Media{URL: "http://x/s", PositionSeconds: 250})

	plays := rc.matching(http.MethodPost, "/play")
	if len(plays) != 1 || !strings.Contains(plays[0].Body, "Start-Position: 0.25\n") {
		t.Fatalf("/play = %+v, want Start-Position 0.25", plays)
	}
}

func TestHTTPParamPollFollowsRemotePlayback(t *testing.T) {
	a := &airplay{duration: 3600, position: 10}
	rc := newReceiver(t, a.handle)

	target := NewHTTPParam(testOptions())
	target.Connect(t.Context(), rc.device("Apple TV", devices.HTTPParam))
	t.Cleanup(func() { target.Disconnect(t.Context()) })

	waitFor(t, "first position", func() bool { return target.Signals().Position.Get() == 10 })
	if target.Signals().Playing.Get() {
		t.Fatal("Playing = true before the position moved")
	}

	// Resumed from the receiver's own remote.
	a.setStep(0.5)
	waitFor(t, "playing from advancing position", func() bool { return target.Signals().Playing.Get() })
	if target.Signals().Position.Get() <= 10 {
		t.Fatalf("Position = %d, want past 10", target.Signals().Position.Get())
	}

	// Paused from the remote: the position stops moving.
	a.setStep(0)
	waitFor(t, "paused from frozen position", func() bool { return !target.Signals().Playing.Get() })
}

func TestHTTPParamCommands(t *testing.T) {
	rc := newReceiver(t, (&airplay{}).handle)

	target := NewHTTPParam(testOptions())
	target.Connect(t.Context(), rc.device("Apple TV", devices.HTTPParam))
	t.Cleanup(func() { target.Disconnect(t.Context()) })

	target.Play(t.Context())
	target.Pause(t.Context())
	target.Seek(t.Context(), 42)
	target.Stop(t.Context())

	rates := rc.matching(http.MethodPost, "/rate")
	if len(rates) != 2 || rates[0].Query != "value=1.0" || rates[1].Query != "value=0.0" {
		t.Fatalf("/rate requests = %+v", rates)
	}
	scrubs := rc.matching(http.MethodPost, "/scrub")
	if len(scrubs) != 1 || scrubs[0].Query != "position=42" {
		t.Fatalf("/scrub requests = %+v", scrubs)
	}
	if n := len(rc.matching(http.MethodPost, "/stop")); n != 1 {
		t.Fatalf("/stop requests = %d, want 1", n)
	}
}

func TestParseScrub(t *testing.T) {
	tt := []struct {
		name     string
		body     string
		duration float64
		position float64
		ok       bool
	}{
		{name: "both fields", body: "duration: 83.124794\nposition: 14.467000\n", duration: 83.124794, position: 14.467, ok: true},
		{name: "no media", body: "", ok: false},
		{name: "position only", body: "position: 3.0\n", position: 3, ok: false},
		{name: "garbage", body: "duration: abc\nposition: def\n", ok: false},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			d, p, ok := parseScrub([]byte(tc.body))
			if d != tc.duration || p != tc.position || ok != tc.ok {
				t.Fatalf("parseScrub() = %v, %v, %v, want %v, %v, %v", d, p, ok, tc.duration, tc.position, tc.ok)
			}
		})
	}
}

func TestFormatFraction(t *testing.T) {
	tt := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{1, "1.0"},
		{0.25, "0.25"},
		{startFraction(120, 0), "0.0"},
		{startFraction(7200, 3600), "1.0"},
	}

	for _, tc := range tt {
		if got := formatFraction(tc.in); got != tc.want {
			t.Fatalf("formatFraction(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
