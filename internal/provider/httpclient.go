package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	upstreamOnce      sync.Once
	upstreamTransport *http.Transport
)

// transport is the connection pool shared by every upstream client, so the
// completion and speech clients keep warm connections across calls.
func transport() *http.Transport {
	upstreamOnce.Do(func() {
		upstreamTransport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   3 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   3 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		}
	})
	return upstreamTransport
}

// SharedHTTPClient returns a client over the shared pool. Per-request
// deadlines come from the caller's context; timeout is the outer bound.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: transport()}
}
