package cast

import (
	"context"
	"time"

	"go2tv.app/audiocast/castprotocol"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/targets"
	"go2tv.app/audiocast/utils"
)

const sniffTimeout = 5 * time.Second

// CastAudiobook hands book to the active target. Receivers fetch the stream
// and cover themselves, so the token is appended to both URLs. Chromecast
// receivers get the rich load, which also carries the token in customData.
func (m *Manager) CastAudiobook(ctx context.Context, book Audiobook) {
	m.mu.Lock()
	target := m.active
	connected := m.connection() == Connected
	m.mu.Unlock()

	if target == nil || !connected {
		m.log.Warn().Str("Method", "CastAudiobook").Msg("no active target")
		return
	}

	m.stopLocalPlayback()

	token := ""
	if m.opts.Tokens != nil {
		token = m.opts.Tokens.Token()
	}
	streamURL := utils.AppendToken(book.StreamURL, token)
	coverURL := utils.AppendToken(book.CoverURL, token)

	log := m.log.Info().Str("Method", "CastAudiobook").Str("Protocol", target.Protocol().String()).
		Str("Title", book.Title).Int64("Position", book.PositionSeconds)

	switch p := target.Protocol(); p {
	case devices.Chromecast:
		rich, ok := target.(targets.AudiobookTarget)
		if !ok {
			m.log.Error().Str("Method", "CastAudiobook").Msg("chromecast target without audiobook load")
			return
		}
		contentType := book.ContentType
		if contentType == "" {
			contentType = m.sniff(ctx, streamURL)
		}
		media := castprotocol.AudiobookMedia{
			URL:         streamURL,
			ContentType: contentType,
			Title:       book.Title,
			Author:      book.Author,
			CoverURL:    coverURL,
			StartTime:   int(max(book.PositionSeconds, 0)),
			Duration:    float64(book.DurationSeconds),
		}
		if token != "" {
			media.CustomData = map[string]any{"token": token}
		}
		log.Msg("loading")
		rich.LoadAudiobook(ctx, media)
	case devices.ECP, devices.JSONRPC, devices.HTTPParam:
		log.Msg("loading")
		target.LoadMedia(ctx, targets.Media{
			URL:             streamURL,
			Title:           book.Title,
			Author:          book.Author,
			CoverURL:        coverURL,
			ContentType:     book.ContentType,
			PositionSeconds: book.PositionSeconds,
		})
	default:
		m.log.Warn().Str("Method", "CastAudiobook").Str("Protocol", p.String()).Msg("unsupported protocol")
	}
}

// sniff returns the stream's media type, "" when the server can't tell.
func (m *Manager) sniff(ctx context.Context, u string) string {
	ctx, cancel := context.WithTimeout(ctx, sniffTimeout)
	defer cancel()

	mediaType, err := utils.SniffContentType(ctx, u)
	if err != nil {
		m.log.Debug().Str("Method", "CastAudiobook").Err(err).Msg("content type sniffing failed")
		return ""
	}
	return mediaType
}
