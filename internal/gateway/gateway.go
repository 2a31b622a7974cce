// Package gateway implements the client side of the network-control
// capability: listing active hosts on the local network and blocking or
// unblocking a device's internet access via the router's admin API.
//
// Expected endpoints on the configured base URL:
//
//	GET  {base}/hosts                        - current active host table
//	POST {base}/devices/{hardwareAddr}/block
//	POST {base}/devices/{hardwareAddr}/unblock
//
// The engine issues commands to this abstract capability; it does not
// implement its own firewall or DHCP stack.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// NetworkGateway is the abstraction used by the discovery worker (scan)
// and the quota enforcer (block/unblock).
type NetworkGateway interface {
	// ListActiveHosts returns the set of hosts currently observed on the
	// network. A failed scan returns an error and must not be treated as
	// "no hosts".
	ListActiveHosts(ctx context.Context) ([]model.Host, error)

	// Block denies network access for the device. The call returns nil
	// only after the gateway confirmed the block took effect.
	Block(ctx context.Context, hardwareAddr string) error

	// Unblock restores network access for the device.
	Unblock(ctx context.Context, hardwareAddr string) error
}

// -----------------------------------------------------------------------------
// Concrete HTTP client implementation
// -----------------------------------------------------------------------------

// httpGateway is a concrete implementation of NetworkGateway using net/http.
type httpGateway struct {
	baseURL            string
	httpClient         *http.Client
	maxResponseBodyLen int64
}

// hostEntry is the JSON shape of one row in the gateway's host table.
type hostEntry struct {
	IPAddr       string `json:"ipAddr"`
	HardwareAddr string `json:"hardwareAddr"`
	Hostname     string `json:"hostname,omitempty"`
}

// NewHTTPGateway creates a new HTTP-based client for the router admin
// API. It sets timeouts suitable for a LAN control plane.
func NewHTTPGateway(baseURL string, timeout time.Duration) NetworkGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &httpGateway{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// ListActiveHosts implements NetworkGateway.ListActiveHosts.
func (client *httpGateway) ListActiveHosts(ctx context.Context) ([]model.Host, error) {
	scanURL := joinURL(client.baseURL, "hosts")

	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodGet, scanURL, nil)
	if requestError != nil {
		return nil, errors.Wrapf(requestError, "failed to create HTTP request to %s", scanURL)
	}
	httpRequest.Header.Set("User-Agent", "netguard-gateway-client/1.0")

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		logger.GatewayLog.Errorf("host scan failed url=%s: %v", scanURL, doError)
		return nil, errors.Wrap(doError, "host scan request failed")
	}

	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.GatewayLog.Debugf("failed to close response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := client.readBodySnippet(httpResponse.Body)
		logger.GatewayLog.Warnf(
			"host scan non-2xx url=%s status=%s bodySnippet=%q",
			scanURL, httpResponse.Status, bodySnippet,
		)
		return nil, errors.Errorf("host scan non-2xx status: %s", httpResponse.Status)
	}

	var entries []hostEntry
	decoder := json.NewDecoder(httpResponse.Body)
	if decodeError := decoder.Decode(&entries); decodeError != nil {
		return nil, errors.Wrap(decodeError, "failed to decode host scan response")
	}

	hosts := make([]model.Host, 0, len(entries))
	for _, entry := range entries {
		if entry.HardwareAddr == "" {
			// Entries without a hardware id cannot be tracked; skip them
			// rather than inventing an identity.
			continue
		}
		hosts = append(hosts, model.Host{
			IPAddr:       entry.IPAddr,
			HardwareAddr: entry.HardwareAddr,
			Hostname:     entry.Hostname,
		})
	}

	logger.GatewayLog.Debugf("host scan returned %d host(s)", len(hosts))
	return hosts, nil
}

// Block implements NetworkGateway.Block.
func (client *httpGateway) Block(ctx context.Context, hardwareAddr string) error {
	return client.postDeviceAction(ctx, hardwareAddr, "block")
}

// Unblock implements NetworkGateway.Unblock.
func (client *httpGateway) Unblock(ctx context.Context, hardwareAddr string) error {
	return client.postDeviceAction(ctx, hardwareAddr, "unblock")
}

// postDeviceAction issues a block or unblock command for one device.
func (client *httpGateway) postDeviceAction(ctx context.Context, hardwareAddr string, action string) error {
	if hardwareAddr == "" {
		return errors.New("hardwareAddr must not be empty")
	}

	actionURL := joinURL(client.baseURL, "devices", hardwareAddr, action)

	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodPost, actionURL, nil)
	if requestError != nil {
		return errors.Wrapf(requestError, "failed to create HTTP request to %s", actionURL)
	}
	httpRequest.Header.Set("User-Agent", "netguard-gateway-client/1.0")

	logger.GatewayLog.Infof("sending %s command hw=%s url=%s", action, hardwareAddr, actionURL)

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		logger.GatewayLog.Errorf("%s command failed hw=%s: %v", action, hardwareAddr, doError)
		return errors.Wrapf(doError, "%s request failed", action)
	}

	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.GatewayLog.Debugf("failed to close response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := client.readBodySnippet(httpResponse.Body)
		logger.GatewayLog.Warnf(
			"%s command non-2xx hw=%s status=%s bodySnippet=%q",
			action, hardwareAddr, httpResponse.Status, bodySnippet,
		)
		return errors.Errorf("%s command non-2xx status: %s", action, httpResponse.Status)
	}

	logger.GatewayLog.Infof("%s command confirmed hw=%s", action, hardwareAddr)
	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes. It never returns an error and is best-effort only.
func (client *httpGateway) readBodySnippet(body io.Reader) string {
	if client.maxResponseBodyLen <= 0 {
		return ""
	}

	limitedReader := io.LimitedReader{
		R: body,
		N: client.maxResponseBodyLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}

// joinURL safely concatenates base URL and additional path segments using
// a single slash. It does not perform URL escaping on segments, so the
// caller should only pass already-safe path elements.
func joinURL(base string, segments ...string) string {
	trimmedBase := strings.TrimRight(base, "/")
	if len(segments) == 0 {
		return trimmedBase
	}

	var cleanedSegments []string
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		cleanedSegments = append(cleanedSegments, strings.Trim(segment, "/"))
	}

	if len(cleanedSegments) == 0 {
		return trimmedBase
	}

	return trimmedBase + "/" + strings.Join(cleanedSegments, "/")
}
