package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewatch/netguard/internal/model"
)

func TestSendDeliversJSONBody(t *testing.T) {
	var receivedBody []byte
	var receivedContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		receivedContentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPSender()
	alertEvent := model.AlertEvent{
		CorrelationID: "11111111-2222-3333-4444-555555555555",
		RuleName:      "motion-night",
		Topic:         model.TopicMotionDetected,
		Timestamp:     time.Now(),
		Message:       "motion detected by porch-cam",
		Priority:      2,
	}

	require.NoError(t, sender.Send(context.Background(), server.URL, alertEvent))

	assert.Equal(t, "application/json", receivedContentType)

	var decoded model.AlertEvent
	require.NoError(t, json.Unmarshal(receivedBody, &decoded))
	assert.Equal(t, "motion-night", decoded.RuleName)
	assert.Equal(t, alertEvent.CorrelationID, decoded.CorrelationID)
}

func TestSendNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel gone", http.StatusGone)
	}))
	defer server.Close()

	sender := NewHTTPSender()

	assert.Error(t, sender.Send(context.Background(), server.URL, model.AlertEvent{RuleName: "r"}))
}

func TestSendRejectsEmptyChannelURL(t *testing.T) {
	sender := NewHTTPSender()
	assert.Error(t, sender.Send(context.Background(), "", model.AlertEvent{RuleName: "r"}))
}

func TestSendHonoursContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sender := NewHTTPSender()

	assert.Error(t, sender.Send(ctx, server.URL, model.AlertEvent{RuleName: "r"}))
}
