package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// ErrIsDirectory is returned when the config path points at a directory.
var ErrIsDirectory = errors.New("config path is a directory")

type Config struct {
	Discovery Discovery `mapstructure:"discovery" toml:"discovery"`
	Receivers Receivers `mapstructure:"receivers" toml:"receivers"`
	Errors    Errors    `mapstructure:"errors" toml:"errors"`
	Server    Server    `mapstructure:"server" toml:"server"`
	Auth      Auth      `mapstructure:"auth" toml:"auth"`
	Log       Log       `mapstructure:"log" toml:"log"`
}

type Discovery struct {
	Window               time.Duration `mapstructure:"window" toml:"window"`
	RescanInterval       time.Duration `mapstructure:"rescan_interval" toml:"rescan_interval"`
	ECPSearchTarget      string        `mapstructure:"ecp_search_target" toml:"ecp_search_target"`
	RendererSearchTarget string        `mapstructure:"renderer_search_target" toml:"renderer_search_target"`
	AirPlayService       string        `mapstructure:"airplay_service" toml:"airplay_service"`
	RouteSelector        string        `mapstructure:"route_selector" toml:"route_selector"`
	VerifyPort           int           `mapstructure:"verify_port" toml:"verify_port"`
	VerifyRate           float64       `mapstructure:"verify_rate" toml:"verify_rate"`
}

type Receivers struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" toml:"connect_timeout"`
	ECPAppID           string        `mapstructure:"ecp_app_id" toml:"ecp_app_id"`
	JSONRPCSettleDelay time.Duration `mapstructure:"jsonrpc_settle_delay" toml:"jsonrpc_settle_delay"`
}

type Errors struct {
	SurfaceConnectErrors bool `mapstructure:"surface_connect_errors" toml:"surface_connect_errors"`
	PollFailureThreshold int  `mapstructure:"poll_failure_threshold" toml:"poll_failure_threshold"`
}

type Server struct {
	Listen string `mapstructure:"listen" toml:"listen"`
}

type Auth struct {
	Token string `mapstructure:"token" toml:"token"`
}

type Log struct {
	Level  string `mapstructure:"level" toml:"level"`
	Pretty bool   `mapstructure:"pretty" toml:"pretty"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Discovery: Discovery{
			Window:               5 * time.Second,
			RescanInterval:       30 * time.Second,
			ECPSearchTarget:      "roku:ecp",
			RendererSearchTarget: "urn:schemas-upnp-org:device:MediaRenderer:1",
			AirPlayService:       "_airplay._tcp",
			RouteSelector:        "audio",
			VerifyPort:           8080,
			VerifyRate:           5,
		},
		Receivers: Receivers{
			PollInterval:       time.Second,
			ConnectTimeout:     15 * time.Second,
			ECPAppID:           "782875",
			JSONRPCSettleDelay: time.Second,
		},
		Server: Server{Listen: "127.0.0.1:8765"},
		Log:    Log{Level: "info", Pretty: true},
	}
}

// Load reads the TOML file at path on top of Default. A missing file is not
// an error.
func Load(path string) (Config, error) {
	conf := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return conf, fmt.Errorf("Load: failed to stat config: %w", err)
	}
	if info.IsDir() {
		return conf, ErrIsDirectory
	}

	raw := make(map[string]any)
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return conf, fmt.Errorf("Load: failed to parse %s: %w", path, err)
	}

	if err := decode(raw, &conf); err != nil {
		return conf, fmt.Errorf("Load: failed to decode %s: %w", path, err)
	}

	return conf, nil
}

// decode merges raw into conf. Durations may be written as "30s" strings or
// plain nanosecond integers, numbers may be quoted.
func decode(raw map[string]any, conf *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           conf,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// DefaultPath is audiocast/config.toml under the user config directory.
func DefaultPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("DefaultPath: failed to get config dir: %w", err)
	}

	return filepath.Join(oscfg, "audiocast", "config.toml"), nil
}

// Save writes conf to path, creating the parent directory.
func Save(path string, conf Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(conf); err != nil {
		return fmt.Errorf("Save: failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("Save: failed to create config dir: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("Save: failed to write config: %w", err)
	}

	return nil
}
