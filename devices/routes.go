package devices

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Route capability categories.
const (
	RouteCategoryAudio = "audio"
	RouteCategoryVideo = "video"
)

// Route is one media route offered by a RouteProvider.
type Route struct {
	ID           string
	Name         string
	Host         string
	Port         int
	Model        string
	Capabilities []string
	AudioOnly    bool
	// IsDefault and IsSystem mark the local device and system routes such as
	// Bluetooth sinks. They are never offered as cast devices.
	IsDefault bool
	IsSystem  bool
}

// Matches reports whether the route supports the capability selector. An
// empty selector matches every route.
func (r Route) Matches(selector string) bool {
	if selector == "" {
		return true
	}
	return slices.Contains(r.Capabilities, selector)
}

// RouteProvider is the platform route source. Callbacks fire whenever the
// set of routes changes; providers scan actively while at least one
// callback is registered.
type RouteProvider interface {
	Routes() []Route
	AddCallback(cb func()) (remove func())
}

// RouteDiscoverer turns RouteProvider change events into full replacement
// batches.
type RouteDiscoverer struct {
	Provider RouteProvider
	Logger   zerolog.Logger
}

// Discover implements Discoverer. query is the capability selector; window
// is unused because routes are pushed by the provider.
func (d *RouteDiscoverer) Discover(ctx context.Context, query string, _ time.Duration) <-chan Batch {
	out := make(chan Batch)
	changed := make(chan struct{}, 1)

	remove := d.Provider.AddCallback(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer remove()

		if !send(ctx, out, d.snapshot(query)) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				b := d.snapshot(query)
				d.Logger.Debug().Str("Method", "RouteDiscover").Int("Routes", len(b.Devices)).Msg("routes changed")
				if !send(ctx, out, b) {
					return
				}
			}
		}
	}()

	return out
}

func (d *RouteDiscoverer) snapshot(selector string) Batch {
	routes := d.Provider.Routes()
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })

	b := Batch{Replace: true, Devices: make([]RawDevice, 0, len(routes))}
	for _, r := range routes {
		if r.IsDefault || r.IsSystem || !r.Matches(selector) {
			continue
		}

		route := r
		typ := DeviceTypeTV
		if r.AudioOnly {
			typ = DeviceTypeSpeaker
		}

		// The route handle carries the address; the device itself stays
		// route-mediated.
		b.Devices = append(b.Devices, RawDevice{
			Name:    r.Name,
			RouteID: r.ID,
			Type:    typ,
			Extras:  &route,
		})
	}

	return b
}
