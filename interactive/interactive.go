package interactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	"go2tv.app/audiocast/cast"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/signals"
	"golang.org/x/time/rate"
)

// SeekStep is how far one arrow key press moves the position.
const SeekStep = 30

// Controller is the part of the cast manager the screen drives.
type Controller interface {
	State() *signals.Value[cast.State]
	Play(ctx context.Context)
	Pause(ctx context.Context)
	Seek(ctx context.Context, seconds int64)
	Stop(ctx context.Context)
	Disconnect(ctx context.Context)
	ClearError()
}

// CastScreen is the interactive terminal for an active cast session.
type CastScreen struct {
	Current     tcell.Screen
	Ctrl        Controller
	exitCTXfunc context.CancelFunc
	seekLimit   *rate.Limiter
	mediaTitle  string
	lastAction  string
	mu          sync.RWMutex
}

func (p *CastScreen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

func (p *CastScreen) emitCentered(y int, style tcell.Style, str string) {
	w, _ := p.Current.Size()
	p.emitStr(w/2-runewidth.StringWidth(str)/2, y, style, str)
}

// EmitMsg shows a transient message below the playback status.
func (p *CastScreen) EmitMsg(inputtext string) {
	p.updateLastAction(inputtext)
	p.render(p.Ctrl.State().Get())
}

func (p *CastScreen) render(st cast.State) {
	s := p.Current

	p.mu.RLock()
	mediaTitle := p.mediaTitle
	lastAction := p.lastAction
	p.mu.RUnlock()

	_, h := s.Size()
	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	blinkStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Blink(true)
	errStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorRed)

	s.Clear()

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC to stop and exit.")
	p.emitCentered(h/2-4, tcell.StyleDefault, "Title: "+mediaTitle)
	p.emitCentered(h/2-2, tcell.StyleDefault, deviceLine(st))

	status := statusText(st)
	if st.Connection == cast.Connecting {
		p.emitCentered(h/2, blinkStyle, status)
	} else {
		p.emitCentered(h/2, boldStyle, status+"  "+formatPosition(st.Position))
	}

	if lastAction != "" {
		p.emitCentered(h/2+1, tcell.StyleDefault, lastAction)
	}
	if st.Error != "" {
		p.emitCentered(h/2+2, errStyle, "Error: "+st.Error+` ("c" to clear)`)
	}

	p.emitCentered(h/2+4, tcell.StyleDefault, `"p" (`+playPauseAction(st)+`)  "s" (Stop)`)
	p.emitCentered(h/2+6, tcell.StyleDefault, `"←" "→" (Seek -/+30s)`)
	s.Show()
}

func deviceLine(st cast.State) string {
	if st.ActiveProtocol == nil {
		return "No device"
	}
	name := st.DeviceName
	if name == "" {
		name = "Unknown device"
	}
	return fmt.Sprintf("%s (%s)", name, *st.ActiveProtocol)
}

func statusText(st cast.State) string {
	switch {
	case st.Connection == cast.Connecting:
		return "Connecting..."
	case !st.Connected:
		return "Disconnected"
	case st.Playing:
		return "Playing"
	}
	return "Paused"
}

// playPauseAction is what "p" does in state st.
func playPauseAction(st cast.State) string {
	if st.Playing {
		return "Pause"
	}
	return "Play"
}

func formatPosition(secs int64) string {
	d := time.Duration(max(secs, 0)) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

// InterInit draws the screen and handles keys until Fini. Init errors are
// reported on c.
func (p *CastScreen) InterInit(ctx context.Context, mediaTitle string, c chan error) {
	p.mu.Lock()
	p.mediaTitle = mediaTitle
	p.mu.Unlock()

	s := p.Current
	if err := s.Init(); err != nil {
		c <- fmt.Errorf("cast interactive: %w", err)
		return
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)

	states, cancel := p.Ctrl.State().Subscribe()
	defer cancel()

	go func() {
		for st := range states {
			p.render(st)
		}
	}()

	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			// Fini was called.
			return
		case *tcell.EventResize:
			s.Sync()
			p.render(p.Ctrl.State().Get())
		case *tcell.EventKey:
			p.HandleKeyEvent(ctx, ev)
		}
	}
}

// HandleKeyEvent handles key press events.
func (p *CastScreen) HandleKeyEvent(ctx context.Context, ev *tcell.EventKey) {
	p.handleKey(ctx, ev.Key(), ev.Rune())
}

func (p *CastScreen) handleKey(ctx context.Context, key tcell.Key, r rune) {
	switch key {
	case tcell.KeyEscape:
		p.exit(ctx)
		return
	case tcell.KeyLeft:
		p.seek(ctx, -SeekStep)
		return
	case tcell.KeyRight:
		p.seek(ctx, SeekStep)
		return
	}

	switch r {
	case 'q':
		p.exit(ctx)
	case 'p':
		if p.Ctrl.State().Get().Playing {
			p.Ctrl.Pause(ctx)
			p.EmitMsg("Pause requested")
			return
		}
		p.Ctrl.Play(ctx)
		p.EmitMsg("Play requested")
	case 's':
		p.Ctrl.Stop(ctx)
		p.EmitMsg("Stopped")
	case 'c':
		p.Ctrl.ClearError()
		p.EmitMsg("")
	}
}

func (p *CastScreen) seek(ctx context.Context, delta int64) {
	st := p.Ctrl.State().Get()
	if st.ActiveProtocol != nil && *st.ActiveProtocol == devices.ECP {
		p.EmitMsg("Seeking is not supported on this receiver")
		return
	}
	if !p.seekLimit.Allow() {
		return
	}

	target := max(st.Position+delta, 0)
	p.Ctrl.Seek(ctx, target)
	p.EmitMsg("Seek to " + formatPosition(target))
}

func (p *CastScreen) exit(ctx context.Context) {
	p.Ctrl.Stop(ctx)
	p.Ctrl.Disconnect(ctx)
	p.Fini()
}

// Fini closes the screen and exits.
func (p *CastScreen) Fini() {
	p.Current.Fini()
	if p.exitCTXfunc != nil {
		p.exitCTXfunc()
	}
}

// InitCastScreen creates the screen on the current terminal.
func InitCastScreen(ctrl Controller, ctxCancel context.CancelFunc) (*CastScreen, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("cast interactive: %w", err)
	}

	return newCastScreen(s, ctrl, ctxCancel), nil
}

func newCastScreen(s tcell.Screen, ctrl Controller, ctxCancel context.CancelFunc) *CastScreen {
	return &CastScreen{
		Current:     s,
		Ctrl:        ctrl,
		exitCTXfunc: ctxCancel,
		seekLimit:   rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
}

func (p *CastScreen) updateLastAction(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAction = s
}
