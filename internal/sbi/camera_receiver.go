// This file implements the ingestion endpoint for external event
// sources such as security cameras and the website monitor.
//
// Expected URL pattern:
//
//	POST /netguard/v1/camera/events
//
// The body carries a JSON event naming one of the externally produced
// topics (MOTION_DETECTED, RECORDING_COMPLETE, WEBSITE_BLOCKED); the
// receiver validates the topic and forwards the event onto the bus.
package sbi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// cameraEventRequest is the JSON body accepted from external sources.
type cameraEventRequest struct {
	Topic   string  `json:"topic"`
	Source  string  `json:"source,omitempty"`
	Message string  `json:"message,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

// CameraReceiver handles incoming event posts from cameras and monitors.
type CameraReceiver struct {
	eventBus        bus.Bus
	maxRequestBytes int64
}

// NewCameraReceiver creates a receiver that forwards validated external
// events onto the given bus.
func NewCameraReceiver(eventBus bus.Bus) *CameraReceiver {
	return &CameraReceiver{
		eventBus:        eventBus,
		maxRequestBytes: 1 << 20, // 1 MiB limit for event payloads
	}
}

// Routes registers the receiver handler on the given mux.
func (receiver *CameraReceiver) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/netguard/v1/camera/events", receiver.HandleCameraEvent)
}

// HandleCameraEvent processes a single external event post.
//
// On success, it returns 202 Accepted. Unknown or internal-only topics
// are rejected with 400.
func (receiver *CameraReceiver) HandleCameraEvent(
	responseWriter http.ResponseWriter,
	request *http.Request,
) {
	if request.Method != http.MethodPost {
		http.Error(responseWriter, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limitedReader := http.MaxBytesReader(responseWriter, request.Body, receiver.maxRequestBytes)

	defer func() {
		if closeErr := limitedReader.Close(); closeErr != nil {
			logger.SbiLog.Debugf("failed to close request body reader: %v", closeErr)
		}
	}()

	var eventRequest cameraEventRequest
	jsonDecoder := json.NewDecoder(limitedReader)
	if decodeError := jsonDecoder.Decode(&eventRequest); decodeError != nil {
		logger.SbiLog.Warnf("failed to decode camera event: %v", decodeError)
		http.Error(responseWriter, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if !externalTopicAllowed(eventRequest.Topic) {
		logger.SbiLog.Warnf("rejected camera event with topic %q", eventRequest.Topic)
		http.Error(responseWriter, "topic not accepted from external sources", http.StatusBadRequest)
		return
	}

	receiver.eventBus.Publish(model.Event{
		Topic:     model.Topic(eventRequest.Topic),
		Timestamp: time.Now(),
		Value:     eventRequest.Value,
		Payload: model.CameraPayload{
			Source:  eventRequest.Source,
			Message: eventRequest.Message,
		},
	})

	logger.SbiLog.Debugf("accepted camera event topic=%s source=%s", eventRequest.Topic, eventRequest.Source)
	responseWriter.WriteHeader(http.StatusAccepted)
}

// externalTopicAllowed restricts external sources to the topics they
// legitimately produce; engine-internal topics cannot be injected.
func externalTopicAllowed(topic string) bool {
	switch model.Topic(topic) {
	case model.TopicMotionDetected, model.TopicRecordingComplete, model.TopicWebsiteBlocked:
		return true
	default:
		return false
	}
}
