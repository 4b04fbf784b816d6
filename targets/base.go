package targets

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/audiocast/devices"
)

// base carries the state every target shares: signals, the connect
// generation and the poll loop. Signal writes go through set so that a
// superseded connect attempt or poll loop can never touch the signals.
type base struct {
	protocol devices.Protocol
	opts     Options
	sig      *Signals

	mu         sync.Mutex
	gen        uint64
	stopPoll   context.CancelFunc
	pollFailed int
}

func (b *base) init(p devices.Protocol, opts Options) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	b.protocol = p
	b.opts = opts
	b.sig = NewSignals()
}

func (b *base) Protocol() devices.Protocol { return b.protocol }

func (b *base) Signals() *Signals { return b.sig }

func (b *base) log(method string) *zerolog.Event {
	return b.opts.Logger.Debug().Str("Protocol", b.protocol.String()).Str("Method", method)
}

// begin starts a new generation, stops the running poll loop and resets
// the signals. Everything tagged with an older generation is ignored from
// now on.
func (b *base) begin() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gen++
	if b.stopPoll != nil {
		b.stopPoll()
		b.stopPoll = nil
	}
	b.pollFailed = 0
	b.sig.reset()

	return b.gen
}

// generation returns the current generation.
func (b *base) generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// set applies fn to the signals if gen is still current.
func (b *base) set(gen uint64, fn func(s *Signals)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return false
	}
	fn(b.sig)
	return true
}

func (b *base) setPosition(gen uint64, seconds int64) {
	if seconds < 0 {
		seconds = 0
	}
	b.set(gen, func(s *Signals) { s.Position.Set(seconds) })
}

// connectFailed records a failed connect of generation gen.
func (b *base) connectFailed(gen uint64, err error) {
	b.log("Connect").Err(err).Msg("connect failed")
	b.set(gen, func(s *Signals) {
		s.Connected.Set(false)
		if b.opts.Policy.SurfaceConnectErrors {
			s.LastError.Set(err.Error())
		}
	})
}

// connected marks generation gen as connected to name.
func (b *base) connected(gen uint64, name string) bool {
	return b.set(gen, func(s *Signals) {
		s.DeviceName.Set(name)
		s.Connected.Set(true)
	})
}

// startPoll runs poll every PollInterval until the generation ends.
func (b *base) startPoll(gen uint64, poll func(ctx context.Context, gen uint64) error) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.stopPoll = cancel
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := poll(ctx, gen)
			if ctx.Err() != nil {
				return
			}
			b.pollResult(gen, err)
		}
	}()
}

func (b *base) pollResult(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}

	threshold := b.opts.Policy.PollFailureThreshold
	if err == nil {
		if threshold > 0 && b.pollFailed >= threshold {
			b.sig.LastError.Set("")
		}
		b.pollFailed = 0
		return
	}

	b.pollFailed++
	b.opts.Logger.Debug().Str("Protocol", b.protocol.String()).Str("Method", "poll").
		Int("Failures", b.pollFailed).Err(err).Msg("poll failed")
	if threshold > 0 && b.pollFailed >= threshold {
		b.sig.LastError.Set(err.Error())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
