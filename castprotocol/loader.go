package castprotocol

import (
	"fmt"
	"sync/atomic"

	"github.com/vishen/go-chromecast/cast"
)

const (
	// DefaultMediaReceiverAppID is the stock Google media receiver.
	DefaultMediaReceiverAppID = "CC1AD845"

	namespaceMedia    = "urn:x-cast:com.google.cast.media"
	namespaceReceiver = "urn:x-cast:com.google.cast.receiver"
	defaultSender     = "sender-0"
	defaultReceiver   = "receiver-0"
)

// Request ID counter for Chromecast messages. Starts high to stay clear of
// the ids go-chromecast hands out itself.
var requestIDCounter int32 = 1 << 20

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

// sender is the part of cast.Conn used for custom messages.
type sender interface {
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
}

// LoadPayload is a LOAD command carrying full track metadata.
type LoadPayload struct {
	Type        string         `json:"type"`
	RequestId   int            `json:"requestId"`
	Media       MediaItem      `json:"media"`
	CurrentTime int            `json:"currentTime"`
	Autoplay    bool           `json:"autoplay"`
	CustomData  map[string]any `json:"customData,omitempty"`
}

// SetRequestId implements cast.Payload interface
func (p *LoadPayload) SetRequestId(id int) {
	p.RequestId = id
}

type launchPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId"`
	AppId     string `json:"appId"`
}

func (p *launchPayload) SetRequestId(id int) {
	p.RequestId = id
}

var (
	_ cast.Payload = (*LoadPayload)(nil)
	_ cast.Payload = (*launchPayload)(nil)
)

// NewAudiobookLoad builds the LOAD payload for m.
func NewAudiobookLoad(m AudiobookMedia) *LoadPayload {
	contentType := m.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	meta := &MediaMeta{
		MetadataType: MetadataTypeMusicTrack,
		Title:        m.Title,
		Artist:       m.Author,
		AlbumName:    m.Title,
	}
	if m.CoverURL != "" {
		meta.Images = []Image{{URL: m.CoverURL}}
	}

	return &LoadPayload{
		Type: "LOAD",
		Media: MediaItem{
			ContentId:   m.URL,
			ContentType: contentType,
			StreamType:  "BUFFERED",
			Duration:    float32(m.Duration),
			Metadata:    meta,
		},
		CurrentTime: m.StartTime,
		Autoplay:    true,
		CustomData:  m.CustomData,
	}
}

func sendLoad(conn sender, transportID string, payload *LoadPayload) error {
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, transportID, namespaceMedia); err != nil {
		return fmt.Errorf("send load: %w", err)
	}
	return nil
}

func launchDefaultReceiver(conn sender) error {
	requestID := nextRequestID()
	payload := &launchPayload{Type: "LAUNCH", AppId: DefaultMediaReceiverAppID}
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, defaultReceiver, namespaceReceiver); err != nil {
		return fmt.Errorf("send launch: %w", err)
	}
	return nil
}
