package cast

import (
	"context"

	"go2tv.app/audiocast/devices"
)

// ConnectionState is the phase of the active target connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	switch c {
	case Connecting:
		return stateConnecting
	case Connected:
		return stateConnected
	}
	return stateDisconnected
}

// MarshalText lets the state travel as a string in JSON payloads.
func (c ConnectionState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func connectionStateFrom(s string) ConnectionState {
	switch s {
	case stateConnecting:
		return Connecting
	case stateConnected:
		return Connected
	}
	return Disconnected
}

// State mirrors the active target. With no active protocol every field is
// at its zero value.
type State struct {
	Connection     ConnectionState   `json:"connection"`
	Connected      bool              `json:"connected"`
	Playing        bool              `json:"playing"`
	Position       int64             `json:"position"`
	DeviceName     string            `json:"deviceName,omitempty"`
	ActiveProtocol *devices.Protocol `json:"activeProtocol,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Audiobook is the item handed to CastAudiobook.
type Audiobook struct {
	StreamURL       string `json:"streamUrl"`
	Title           string `json:"title"`
	Author          string `json:"author,omitempty"`
	CoverURL        string `json:"coverUrl,omitempty"`
	ContentType     string `json:"contentType,omitempty"`
	PositionSeconds int64  `json:"positionSeconds"`
	DurationSeconds int64  `json:"durationSeconds,omitempty"`
}

// TokenSource returns the current bearer token, "" when there is none.
type TokenSource interface {
	Token() string
}

// LocalPlayback is the on-device player that must be silent while casting.
type LocalPlayback interface {
	IsPlaying() bool
	Stop()
}

// Verifier confirms that a generic media renderer is a JSON-RPC receiver.
type Verifier interface {
	Probe(ctx context.Context, host string, port int) bool
}

// NameResolver looks up the user visible name of a device.
type NameResolver interface {
	LookupName(ctx context.Context, d devices.Device) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }
