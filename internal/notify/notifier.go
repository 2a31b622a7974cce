// Package notify delivers alert notifications to external channels such
// as webhook endpoints. The concrete implementation uses HTTP POST with
// JSON; other transports can be added behind the same interface without
// changing the alert manager.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// NotificationSender hides the details of how alert notifications are
// delivered to the outside world.
type NotificationSender interface {
	// Send delivers a single alert event to the given channel URL.
	Send(ctx context.Context, channelURL string, alertEvent model.AlertEvent) error
}

// httpSender is the concrete HTTP/JSON implementation of NotificationSender.
type httpSender struct {
	httpClient         *http.Client
	maxResponseBodyLen int64
}

// NewHTTPSender creates a NotificationSender that delivers notifications
// via HTTP POST with a JSON body.
func NewHTTPSender() NotificationSender {
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

	return &httpSender{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// Send implements the NotificationSender interface.
func (sender *httpSender) Send(
	ctx context.Context,
	channelURL string,
	alertEvent model.AlertEvent,
) error {
	if channelURL == "" {
		return fmt.Errorf("channelURL must not be empty")
	}

	jsonBytes, marshalError := json.Marshal(alertEvent)
	if marshalError != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", marshalError)
	}

	httpRequest, requestError := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		channelURL,
		bytes.NewReader(jsonBytes),
	)
	if requestError != nil {
		return fmt.Errorf("failed to create HTTP request to %s: %w", channelURL, requestError)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "netguard-notifier/1.0")

	logger.NotifyLog.Debugf(
		"sending alert notification channel=%s rule=%s correlationId=%s",
		channelURL,
		alertEvent.RuleName,
		alertEvent.CorrelationID,
	)

	httpResponse, doError := sender.httpClient.Do(httpRequest)
	if doError != nil {
		logger.NotifyLog.Errorf(
			"alert notification delivery failed channel=%s: %v",
			channelURL, doError,
		)
		return fmt.Errorf("alert notification delivery failed: %w", doError)
	}

	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.NotifyLog.Debugf("failed to close response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := sender.readBodySnippet(httpResponse.Body)
		logger.NotifyLog.Warnf(
			"alert notification non-2xx status=%s channel=%s bodySnippet=%q",
			httpResponse.Status, channelURL, bodySnippet,
		)
		return fmt.Errorf("alert notification non-2xx status: %s", httpResponse.Status)
	}

	logger.NotifyLog.Debugf(
		"alert notification delivered channel=%s rule=%s",
		channelURL,
		alertEvent.RuleName,
	)

	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes. It never returns an error and is best-effort only.
func (sender *httpSender) readBodySnippet(body io.Reader) string {
	if sender.maxResponseBodyLen <= 0 {
		return ""
	}

	limitedReader := io.LimitedReader{
		R: body,
		N: sender.maxResponseBodyLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}
