package devices

import (
	"context"
	"math"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/rs/zerolog"
)

const (
	defaultSSDPRescan   = 10 * time.Second
	friendlyNameTimeout = 3 * time.Second
)

// Swapped in tests.
var (
	ssdpSearch         = ssdp.Search
	lookupFriendlyName = FriendlyName
)

// SSDPDiscoverer runs M-SEARCH rounds for a search target and emits one
// device per distinct responding host and round.
type SSDPDiscoverer struct {
	// RescanInterval is the pause between two rounds.
	RescanInterval time.Duration
	Logger         zerolog.Logger
}

// Discover implements Discoverer. query is the SSDP search target, for
// example "roku:ecp".
func (d *SSDPDiscoverer) Discover(ctx context.Context, query string, window time.Duration) <-chan Batch {
	out := make(chan Batch)
	waitSec := int(math.Ceil(windowOrDefault(window).Seconds()))
	rescan := d.RescanInterval
	if rescan <= 0 {
		rescan = defaultSSDPRescan
	}

	go func() {
		defer close(out)

		for {
			list, err := ssdpSearch(query, waitSec, "")
			if err != nil {
				d.Logger.Debug().Str("Method", "SSDPDiscover").Str("Query", query).Err(err).Msg("search failed")
				return
			}

			if ctx.Err() != nil {
				return
			}

			seen := make(map[string]struct{}, len(list))
			for _, srv := range list {
				if query != ssdp.All && srv.Type != "" && srv.Type != query {
					continue
				}

				host, port, err := hostPortFromLocation(srv.Location)
				if err != nil {
					continue
				}

				if _, ok := seen[host]; ok {
					continue
				}
				seen[host] = struct{}{}

				raw := RawDevice{
					Host:     host,
					Port:     port,
					Name:     host,
					Location: srv.Location,
				}

				nameCtx, cancel := context.WithTimeout(ctx, friendlyNameTimeout)
				if fn, err := lookupFriendlyName(nameCtx, srv.Location); err == nil && fn != "" {
					raw.Name = fn
				}
				cancel()

				if !send(ctx, out, Batch{Devices: []RawDevice{raw}}) {
					return
				}
			}

			d.Logger.Debug().Str("Method", "SSDPDiscover").Str("Query", query).Int("Hosts", len(seen)).Msg("round done")

			if !sleepCtx(ctx, rescan) {
				return
			}
		}
	}()

	return out
}
