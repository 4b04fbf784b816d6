package utils

import (
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	receiverHTTPClientTimeout         = 15 * time.Second
	receiverHTTPDialTimeout           = 5 * time.Second
	receiverHTTPKeepAlive             = 30 * time.Second
	receiverHTTPResponseHeaderTimeout = 10 * time.Second
	receiverHTTPExpectContinueTimeout = 1 * time.Second
	receiverHTTPIdleConnTimeout       = 90 * time.Second
)

var receiverHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   receiverHTTPDialTimeout,
		KeepAlive: receiverHTTPKeepAlive,
	}).DialContext,
	ResponseHeaderTimeout: receiverHTTPResponseHeaderTimeout,
	ExpectContinueTimeout: receiverHTTPExpectContinueTimeout,
	IdleConnTimeout:       receiverHTTPIdleConnTimeout,
	MaxIdleConnsPerHost:   4,
}

// NewHTTPClient returns a plain client tuned for local-network receivers.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   receiverHTTPClientTimeout,
		Transport: receiverHTTPTransport,
	}
}

// NewRetryableHTTPClient wraps NewHTTPClient with retryablehttp. retryMax 0
// disables retries, which is what status polls want.
func NewRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = NewHTTPClient()

	return retryClient.StandardClient()
}
