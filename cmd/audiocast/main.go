package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go2tv.app/audiocast/cast"
	"go2tv.app/audiocast/castprotocol"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/internal/config"
	"go2tv.app/audiocast/targets"
	"golang.org/x/time/rate"
)

var version = "dev"

type app struct {
	configPath string
	debug      bool
	token      string

	conf   config.Config
	logger zerolog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	exitCTX, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCommand(&app{}).ExecuteContext(exitCTX)
}

func rootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "audiocast",
		Short:         "Cast audiobooks to Chromecast, Roku, Kodi and AirPlay receivers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the TOML config file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.token, "token", "", "bearer token appended to stream URLs (overrides auth.token)")

	root.AddCommand(discoverCommand(a))
	root.AddCommand(castCommand(a))
	root.AddCommand(serveCommand(a))

	return root
}

func (a *app) load() error {
	path := a.configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}

	conf, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.token != "" {
		conf.Auth.Token = a.token
	}
	a.conf = conf

	a.logger, err = newLogger(conf.Log, a.debug)
	return err
}

func newLogger(conf config.Log, debug bool) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(conf.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("newLogger: invalid log level %q: %w", conf.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if conf.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger(), nil
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger(), nil
}

// newManager wires the production targets and discovery sources.
func (a *app) newManager() *cast.Manager {
	conf := a.conf
	opts := targets.Options{
		PollInterval: conf.Receivers.PollInterval,
		Policy: targets.ErrorPolicy{
			SurfaceConnectErrors: conf.Errors.SurfaceConnectErrors,
			PollFailureThreshold: conf.Errors.PollFailureThreshold,
		},
		Logger: a.logger,
	}

	ecp := targets.NewECP(conf.Receivers.ECPAppID, opts)
	jsonrpc := targets.NewJSONRPC(conf.Receivers.JSONRPCSettleDelay, opts)

	set := targets.Set{
		Chromecast: targets.NewChromecast(castprotocol.NewSessionManager(a.logger), opts),
		ECP:        ecp,
		JSONRPC:    jsonrpc,
		HTTPParam:  targets.NewHTTPParam(opts),
	}

	disc := conf.Discovery
	ssdp := &devices.SSDPDiscoverer{RescanInterval: disc.RescanInterval, Logger: a.logger}

	return cast.New(cast.Options{
		Targets: set,
		Sources: []cast.Source{
			{
				Protocol:   devices.Chromecast,
				Discoverer: &devices.RouteDiscoverer{Provider: devices.NewMDNSRouteProvider(a.logger), Logger: a.logger},
				Query:      disc.RouteSelector,
			},
			{
				Protocol:     devices.ECP,
				Discoverer:   ssdp,
				Query:        disc.ECPSearchTarget,
				Window:       disc.Window,
				ResolveNames: true,
			},
			{
				Protocol:   devices.JSONRPC,
				Discoverer: ssdp,
				Query:      disc.RendererSearchTarget,
				Window:     disc.Window,
				Verify:     true,
			},
			{
				Protocol:   devices.HTTPParam,
				Discoverer: &devices.MDNSDiscoverer{RescanInterval: disc.RescanInterval, Logger: a.logger},
				Query:      disc.AirPlayService,
				Window:     disc.Window,
			},
		},
		Tokens:         cast.StaticToken(conf.Auth.Token),
		Lock:           &devices.InterfaceLock{Logger: a.logger},
		Verifier:       jsonrpc,
		VerifyPort:     disc.VerifyPort,
		VerifyRate:     rate.Limit(disc.VerifyRate),
		Names:          ecp,
		Policy:         opts.Policy,
		ConnectTimeout: conf.Receivers.ConnectTimeout,
		Logger:         a.logger,
	})
}

var errDeviceNotFound = errors.New("device not found")

// findDevice matches by ID first and then by case-insensitive name.
func findDevice(list []devices.Device, key string) (devices.Device, bool) {
	for _, d := range list {
		if d.ID == key {
			return d, true
		}
	}
	for _, d := range list {
		if strings.EqualFold(d.Name, key) {
			return d, true
		}
	}
	return devices.Device{}, false
}

// waitForDevice runs discovery until key shows up or ctx ends.
func waitForDevice(ctx context.Context, m *cast.Manager, key string) (devices.Device, error) {
	list, unsubscribe := m.Devices().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return devices.Device{}, fmt.Errorf("waitForDevice: %q: %w", key, errDeviceNotFound)
		case l, ok := <-list:
			if !ok {
				return devices.Device{}, fmt.Errorf("waitForDevice: %q: %w", key, errDeviceNotFound)
			}
			if d, ok := findDevice(l, key); ok {
				return d, nil
			}
		}
	}
}
