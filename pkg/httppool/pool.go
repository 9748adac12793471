// Package httppool provides the shared outbound HTTP client used by the
// scholarly-source and full-text resolvers. One pooled transport means TCP
// and TLS handshakes are paid per host, not per request.
package httppool

import (
	"net"
	"net/http"
	"time"
)

const (
	// Semantic Scholar allows 100 req/s with an API key; 50 pooled
	// connections leaves half the budget as safety margin.
	maxConns = 50

	idleConnTimeout = 5 * time.Minute
	requestTimeout  = 60 * time.Second
)

// NewClient returns the shared outbound HTTP client with a tuned connection
// pool and a 60 second total-request timeout.
func NewClient() *http.Client {
	return &http.Client{
		Transport: NewTransport(0),
		Timeout:   requestTimeout,
	}
}

// NewTransport clones the default transport with the pool tuning applied.
// A non-zero connectTimeout bounds the dial phase separately from the
// caller's total-request timeout.
func NewTransport(connectTimeout time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = maxConns
	transport.MaxConnsPerHost = maxConns
	transport.MaxIdleConnsPerHost = maxConns
	transport.IdleConnTimeout = idleConnTimeout

	if connectTimeout > 0 {
		dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
		transport.DialContext = dialer.DialContext
	}
	return transport
}
