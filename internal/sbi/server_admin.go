// Package sbi provides the HTTP surfaces of the engine. This file
// implements the administrative server used by the household dashboard.
//
// Exposed endpoints:
//
//	GET  /netguard/v1/devices                        - snapshot of all tracked devices
//	POST /netguard/v1/devices/{hardwareAddr}/promote - trust a provisional device
//	POST /netguard/v1/devices/{hardwareAddr}/unblock - restore internet access
//	POST /netguard/v1/policies/reload                - re-read policy configuration
//	GET  /netguard/v1/alerts                         - alert history (rule, limit filters)
//	GET  /netguard/v1/sessions                       - session history (hw, limit filters)
package sbi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// AdminBackend is implemented by the application layer; it bundles the
// operations the administrative surface may invoke.
type AdminBackend interface {
	Devices() []model.DeviceView
	PromoteDevice(hardwareAddr string) (model.DeviceView, error)
	UnblockDevice(ctx context.Context, hardwareAddr string) error
	ReloadPolicies() error
	Alerts(ctx context.Context, ruleName string, limit int) ([]model.AlertEvent, error)
	Sessions(ctx context.Context, hardwareAddr string, limit int) ([]model.UsageSession, error)
}

// AdminServer serves the administrative HTTP API.
type AdminServer struct {
	backend           AdminBackend
	maxRequestBodyLen int64

	httpServer *http.Server
}

// NewAdminServer creates an administrative server around the backend.
func NewAdminServer(backend AdminBackend) *AdminServer {
	return &AdminServer{
		backend:           backend,
		maxRequestBodyLen: 1 << 20, // 1 MiB
	}
}

// Routes registers the administrative handlers on the given mux.
func (server *AdminServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/netguard/v1/devices", server.handleDevices)
	mux.HandleFunc("/netguard/v1/devices/", server.handleDeviceAction)
	mux.HandleFunc("/netguard/v1/policies/reload", server.handlePoliciesReload)
	mux.HandleFunc("/netguard/v1/alerts", server.handleAlerts)
	mux.HandleFunc("/netguard/v1/sessions", server.handleSessions)
}

// Start launches the administrative server in a background goroutine.
func (server *AdminServer) Start(listenAddr string, mux *http.ServeMux) {
	server.Routes(mux)

	server.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.SbiLog.Infof("starting administrative server on %s", listenAddr)
		if serveError := server.httpServer.ListenAndServe(); serveError != nil && serveError != http.ErrServerClosed {
			logger.SbiLog.Errorf("administrative server stopped: %v", serveError)
		}
	}()
}

// Stop gracefully shuts the administrative server down.
func (server *AdminServer) Stop(ctx context.Context) error {
	if server.httpServer == nil {
		return nil
	}
	return server.httpServer.Shutdown(ctx)
}

// handleDevices serves GET /netguard/v1/devices.
func (server *AdminServer) handleDevices(responseWriter http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(responseWriter, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(responseWriter, http.StatusOK, server.backend.Devices())
}

// handleDeviceAction serves POST /netguard/v1/devices/{hardwareAddr}/{action}.
func (server *AdminServer) handleDeviceAction(responseWriter http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(responseWriter, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hardwareAddr, action, parseOK := parseDevicePath(request.URL.Path)
	if !parseOK {
		http.Error(responseWriter, "bad request", http.StatusBadRequest)
		return
	}

	switch action {
	case "promote":
		deviceView, promoteError := server.backend.PromoteDevice(hardwareAddr)
		if promoteError != nil {
			logger.SbiLog.Warnf("promote failed hw=%s: %v", hardwareAddr, promoteError)
			http.Error(responseWriter, promoteError.Error(), http.StatusConflict)
			return
		}
		writeJSON(responseWriter, http.StatusOK, deviceView)

	case "unblock":
		if unblockError := server.backend.UnblockDevice(request.Context(), hardwareAddr); unblockError != nil {
			logger.SbiLog.Errorf("unblock failed hw=%s: %v", hardwareAddr, unblockError)
			http.Error(responseWriter, "unblock failed", http.StatusBadGateway)
			return
		}
		responseWriter.WriteHeader(http.StatusNoContent)

	default:
		http.Error(responseWriter, "unknown action", http.StatusNotFound)
	}
}

// handlePoliciesReload serves POST /netguard/v1/policies/reload.
func (server *AdminServer) handlePoliciesReload(responseWriter http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(responseWriter, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if reloadError := server.backend.ReloadPolicies(); reloadError != nil {
		logger.SbiLog.Errorf("policy reload failed: %v", reloadError)
		http.Error(responseWriter, reloadError.Error(), http.StatusUnprocessableEntity)
		return
	}

	responseWriter.WriteHeader(http.StatusNoContent)
}

// handleAlerts serves GET /netguard/v1/alerts?rule=...&limit=N.
func (server *AdminServer) handleAlerts(responseWriter http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(responseWriter, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ruleName := request.URL.Query().Get("rule")
	limit := parseLimit(request.URL.Query().Get("limit"))

	alerts, queryError := server.backend.Alerts(request.Context(), ruleName, limit)
	if queryError != nil {
		logger.SbiLog.Errorf("alert history query failed: %v", queryError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(responseWriter, http.StatusOK, alerts)
}

// handleSessions serves GET /netguard/v1/sessions?hw=...&limit=N.
func (server *AdminServer) handleSessions(responseWriter http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(responseWriter, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hardwareAddr := request.URL.Query().Get("hw")
	limit := parseLimit(request.URL.Query().Get("limit"))

	sessions, queryError := server.backend.Sessions(request.Context(), hardwareAddr, limit)
	if queryError != nil {
		logger.SbiLog.Errorf("session history query failed: %v", queryError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(responseWriter, http.StatusOK, sessions)
}

// parseDevicePath extracts the hardware address and action from a path
// of the form /netguard/v1/devices/{hardwareAddr}/{action}.
func parseDevicePath(path string) (hardwareAddr string, action string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/netguard/v1/devices/")
	segments := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", false
	}
	return segments[0], segments[1], true
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, convError := strconv.Atoi(raw)
	if convError != nil || limit < 0 {
		return 0
	}
	return limit
}

func writeJSON(responseWriter http.ResponseWriter, statusCode int, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(statusCode)
	if encodeError := json.NewEncoder(responseWriter).Encode(payload); encodeError != nil {
		logger.SbiLog.Warnf("failed to encode response payload: %v", encodeError)
	}
}
