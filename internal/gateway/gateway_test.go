package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListActiveHostsParsesHostTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/hosts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"ipAddr":"192.168.1.10","hardwareAddr":"aa:bb:cc:00:00:01","hostname":"tablet"},
			{"ipAddr":"192.168.1.11","hardwareAddr":""},
			{"ipAddr":"192.168.1.12","hardwareAddr":"aa:bb:cc:00:00:02"}
		]`))
	}))
	defer server.Close()

	client := NewHTTPGateway(server.URL, 2*time.Second)

	hosts, scanError := client.ListActiveHosts(context.Background())
	require.NoError(t, scanError)

	// The entry without a hardware address is dropped.
	require.Len(t, hosts, 2)
	assert.Equal(t, "aa:bb:cc:00:00:01", hosts[0].HardwareAddr)
	assert.Equal(t, "tablet", hosts[0].Hostname)
	assert.Equal(t, "192.168.1.12", hosts[1].IPAddr)
}

func TestListActiveHostsNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "router busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPGateway(server.URL, 2*time.Second)

	_, scanError := client.ListActiveHosts(context.Background())
	assert.Error(t, scanError)
}

func TestBlockAndUnblockHitExpectedPaths(t *testing.T) {
	var requestedPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		requestedPaths = append(requestedPaths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPGateway(server.URL, 2*time.Second)

	require.NoError(t, client.Block(context.Background(), "aa:bb:cc:00:00:01"))
	require.NoError(t, client.Unblock(context.Background(), "aa:bb:cc:00:00:01"))

	require.Len(t, requestedPaths, 2)
	assert.Equal(t, "/devices/aa:bb:cc:00:00:01/block", requestedPaths[0])
	assert.Equal(t, "/devices/aa:bb:cc:00:00:01/unblock", requestedPaths[1])
}

func TestBlockNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewHTTPGateway(server.URL, 2*time.Second)

	assert.Error(t, client.Block(context.Background(), "aa:bb:cc:00:00:01"))
}

func TestBlockRejectsEmptyHardwareAddr(t *testing.T) {
	client := NewHTTPGateway("http://127.0.0.1:1", 2*time.Second)
	assert.Error(t, client.Block(context.Background(), ""))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://x/api/hosts", joinURL("http://x/api/", "hosts"))
	assert.Equal(t, "http://x/api/devices/mac/block", joinURL("http://x/api", "devices", "mac", "block"))
	assert.Equal(t, "http://x/api", joinURL("http://x/api/"))
}
