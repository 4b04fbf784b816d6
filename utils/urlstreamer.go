package utils

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/h2non/filetype"
	"github.com/pkg/errors"
)

var ErrBadStatus = errors.New("streamURL bad status code")

// sniffLen is the number of leading bytes filetype needs.
const sniffLen = 261

var streamHTTPClient = NewHTTPClient()

func normalizeContentType(v string) string {
	if v == "" {
		return ""
	}

	mt, _, err := mime.ParseMediaType(v)
	if err == nil {
		return strings.ToLower(strings.TrimSpace(mt))
	}

	parts := strings.Split(v, ";")
	return strings.ToLower(strings.TrimSpace(parts[0]))
}

func shouldSniffContentType(mediaType string) bool {
	switch mediaType {
	case "", "/", "application/octet-stream", "binary/octet-stream", "text/plain":
		return true
	default:
		return false
	}
}

// MimeFromBytes returns the MIME type detected from the leading bytes of a
// file, or "" when the type is unknown.
func MimeFromBytes(head []byte) string {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

// SniffContentType asks the server for the first bytes of s and returns its
// media type, trusting the Content-Type header first and falling back to
// magic-byte detection.
func SniffContentType(ctx context.Context, s string) (string, error) {
	if _, err := url.ParseRequestURI(s); err != nil {
		return "", fmt.Errorf("SniffContentType failed to parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s, nil)
	if err != nil {
		return "", fmt.Errorf("SniffContentType failed to call NewRequest: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffLen-1))

	resp, err := streamHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("SniffContentType failed to client.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", ErrBadStatus
	}

	mediaType := normalizeContentType(resp.Header.Get("Content-Type"))
	if !shouldSniffContentType(mediaType) {
		return mediaType, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("SniffContentType failed to read body: %w", err)
	}

	if sniffed := MimeFromBytes(head[:n]); sniffed != "" {
		return sniffed, nil
	}

	return mediaType, nil
}
