package devices

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"

	"go2tv.app/audiocast/utils"
)

var descriptionClient = utils.NewRetryableHTTPClient(1)

// FriendlyName fetches a UPnP device description and returns its
// device>friendlyName value.
func FriendlyName(ctx context.Context, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("FriendlyName NewRequest error: %w", err)
	}

	req.Header.Set("Connection", "close")

	resp, err := descriptionClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("FriendlyName request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("FriendlyName bad status: %d", resp.StatusCode)
	}

	var fn struct {
		FriendlyName string `xml:"device>friendlyName"`
	}

	if err = xml.NewDecoder(resp.Body).Decode(&fn); err != nil {
		return "", fmt.Errorf("FriendlyName decode error: %w", err)
	}

	return fn.FriendlyName, nil
}
