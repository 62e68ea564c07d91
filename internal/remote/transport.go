package remote

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// HTTP/2 connection health checks. A connection with no frames for
// h2ReadIdle is pinged; no answer within h2PingTimeout closes it.
const (
	h2ReadIdle    = 30 * time.Second
	h2PingTimeout = 15 * time.Second
)

// TransportOptions controls the HTTP client built by NewHTTPClient.
type TransportOptions struct {
	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	ForceHTTP11    bool
}

// NewHTTPClient builds the client used for all sync endpoint traffic.
// Unless ForceHTTP11 is set, the transport negotiates HTTP/2 with
// connection health checks so a half-dead connection is noticed between
// polls instead of on the next request.
func NewHTTPClient(opts TransportOptions) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.DataTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	if opts.ForceHTTP11 {
		// A non-nil empty map disables the transport's automatic HTTP/2.
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	} else {
		h2, err := http2.ConfigureTransports(t)
		if err != nil {
			return nil, fmt.Errorf("remote: configuring http2: %w", err)
		}

		h2.ReadIdleTimeout = h2ReadIdle
		h2.PingTimeout = h2PingTimeout
	}

	return &http.Client{Transport: t}, nil
}
