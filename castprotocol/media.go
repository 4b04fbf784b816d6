package castprotocol

// Metadata types of the default media receiver.
const (
	MetadataTypeGeneric    = 0
	MetadataTypeMusicTrack = 3
)

// AudiobookMedia is everything the rich LOAD path sends to the receiver.
type AudiobookMedia struct {
	URL         string
	ContentType string
	Title       string
	Author      string
	CoverURL    string
	StartTime   int     // seconds
	Duration    float64 // seconds, 0 lets the receiver detect it
	CustomData  map[string]any
}

// MediaItem is the media object of a LOAD request.
type MediaItem struct {
	ContentId   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  string     `json:"streamType"`
	Duration    float32    `json:"duration,omitempty"`
	Metadata    *MediaMeta `json:"metadata,omitempty"`
}

// MediaMeta contains metadata about the media.
type MediaMeta struct {
	MetadataType int     `json:"metadataType"`
	Title        string  `json:"title,omitempty"`
	Artist       string  `json:"artist,omitempty"`
	AlbumName    string  `json:"albumName,omitempty"`
	Images       []Image `json:"images,omitempty"`
}

// Image is a cover art reference.
type Image struct {
	URL string `json:"url"`
}
