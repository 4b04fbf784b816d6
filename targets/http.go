package targets

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go2tv.app/audiocast/devices"
	"go2tv.app/audiocast/utils"
)

var ErrBadStatus = errors.New("receiver returned an error status")

// maxBody bounds what is read from a receiver reply.
const maxBody = 1 << 20

// Commands are retried once on transport errors; polls are not retried
// since the next tick will ask again.
var (
	commandClient = utils.NewRetryableHTTPClient(1)
	pollClient    = utils.NewRetryableHTTPClient(0)
)

func baseURL(d devices.Device) string {
	return "http://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body io.Reader, hdr http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s read: %w", method, url, err)
	}

	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("%s %s: %w: %d", method, url, ErrBadStatus, resp.StatusCode)
	}

	return data, nil
}
