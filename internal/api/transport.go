package api

import (
	"net"
	"net/http"
	"time"
)

// newUpstreamTransport returns a connection-pooled transport tuned for
// high-concurrency upstream LLM traffic, grounded on the teacher's
// internal/runtime/executor/transport.go TransportConfig values.
func newUpstreamTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
