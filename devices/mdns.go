package devices

import (
	"context"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const defaultMDNSRescan = 15 * time.Second

// Swapped in tests.
var (
	mdnsQuery        = mdns.QueryContext
	activeInterfaces = getActiveNetworkInterfaces
)

// MDNSDiscoverer browses one service type and emits every resolved entry.
// Duplicates across cycles are expected; consumers de-duplicate by ID.
type MDNSDiscoverer struct {
	RescanInterval time.Duration
	Logger         zerolog.Logger
}

// Discover implements Discoverer. query is a service type such as
// "_airplay._tcp".
func (d *MDNSDiscoverer) Discover(ctx context.Context, query string, window time.Duration) <-chan Batch {
	out := make(chan Batch)
	service := normalizeService(query)
	timeout := windowOrDefault(window)
	rescan := d.RescanInterval
	if rescan <= 0 {
		rescan = defaultMDNSRescan
	}

	go func() {
		defer close(out)

		for {
			entriesCh := make(chan *mdns.ServiceEntry, 64)
			doneCh := make(chan struct{})

			go func() {
				defer close(doneCh)
				for entry := range entriesCh {
					raw, ok := rawFromEntry(service, entry)
					if !ok {
						continue
					}
					send(ctx, out, Batch{Devices: []RawDevice{raw}})
				}
			}()

			browse(ctx, service, timeout, entriesCh)
			close(entriesCh)
			<-doneCh

			d.Logger.Debug().Str("Method", "MDNSDiscover").Str("Service", service).Msg("browse cycle done")

			if !sleepCtx(ctx, rescan) {
				return
			}
		}
	}()

	return out
}

// browse queries service on every active interface, or on the default one
// when none qualifies, and returns once all queries finished.
func browse(ctx context.Context, service string, timeout time.Duration, entries chan<- *mdns.ServiceEntry) {
	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(service)
		params.Entries = entries
		params.Timeout = timeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface
		_ = mdnsQuery(ctx, params)
	}

	interfaces := activeInterfaces()
	if len(interfaces) == 0 {
		queryIface(nil)
		return
	}

	var wg sync.WaitGroup
	for _, iface := range interfaces {
		wg.Add(1)
		go func(iface net.Interface) {
			defer wg.Done()
			queryIface(&iface)
		}(iface)
	}
	wg.Wait()
}

func rawFromEntry(service string, entry *mdns.ServiceEntry) (RawDevice, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return RawDevice{}, false
	}

	name := instanceName(entry.Name, service)
	if fn := txtValue(entry.InfoFields, "fn"); fn != "" {
		name = fn
	}

	return RawDevice{
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Name: name,
		Type: typeFromModel(txtValue(entry.InfoFields, "model")),
	}, true
}

// instanceName strips the service and domain labels from an mDNS instance
// name, e.g. "Kitchen._airplay._tcp.local." becomes "Kitchen".
func instanceName(full, service string) string {
	if idx := strings.Index(full, "."+service); idx > 0 {
		full = full[:idx]
	}
	return strings.ReplaceAll(full, `\ `, " ")
}

func txtValue(fields []string, key string) string {
	for _, txt := range fields {
		if after, ok := strings.CutPrefix(txt, key+"="); ok {
			return after
		}
	}
	return ""
}

func typeFromModel(model string) DeviceType {
	switch {
	case model == "":
		return DeviceTypeUnknown
	case strings.Contains(model, "AppleTV"):
		return DeviceTypeTV
	case strings.Contains(model, "AudioAccessory"), strings.Contains(model, "AirPort"):
		return DeviceTypeSpeaker
	}
	return DeviceTypeUnknown
}

func normalizeService(s string) string {
	s = strings.TrimSuffix(s, ".")
	return strings.TrimSuffix(s, ".local")
}
