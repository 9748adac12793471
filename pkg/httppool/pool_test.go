package httppool

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client := NewClient()

	assert.Equal(t, 60*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok, "transport should be a tuned *http.Transport")
	assert.Equal(t, 50, transport.MaxIdleConns)
	assert.Equal(t, 50, transport.MaxConnsPerHost)
	assert.Equal(t, 50, transport.MaxIdleConnsPerHost)
	assert.Equal(t, 5*time.Minute, transport.IdleConnTimeout)
}

func TestNewTransportConnectTimeout(t *testing.T) {
	// Zero keeps the default dialer.
	base := NewTransport(0)
	assert.NotNil(t, base)

	// Non-zero installs a bounded dialer.
	bounded := NewTransport(10 * time.Second)
	assert.NotNil(t, bounded.DialContext)
}
