// Package httpapi is the local HTTP surface the tablet UI talks to: queue
// state, failed-event retry and discard, check-in snapshots, command
// submission and scan/plate lookups. The UI never touches the event store or
// the raw channel.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dockflow/gatesync/internal/backend"
	"github.com/dockflow/gatesync/internal/gatesync"
	"github.com/dockflow/gatesync/internal/realtime"
)

type Lookup interface {
	ResolveScan(ctx context.Context, code string) (backend.LookupResult, error)
	LookupPlate(ctx context.Context, plate string) (backend.LookupResult, error)
}

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	engine  *gatesync.Engine
	channel *realtime.Manager
	lookup  Lookup
	cfg     ServerConfig
}

func NewServer(engine *gatesync.Engine, channel *realtime.Manager, lookup Lookup) *Server {
	return NewServerWithConfig(engine, channel, lookup, ServerConfig{})
}

func NewServerWithConfig(engine *gatesync.Engine, channel *realtime.Manager, lookup Lookup, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	return &Server{engine: engine, channel: channel, lookup: lookup, cfg: cfg}
}

type statusResponse struct {
	Connection connectionStatus    `json:"connection"`
	Queue      gatesync.QueueStats `json:"queue"`
}

type connectionStatus struct {
	Phase     string `json:"phase"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"lastError,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "pending" && r.Method == http.MethodGet:
		s.handleQueue(w, s.engine.PendingEvents)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "failed" && r.Method == http.MethodGet:
		s.handleQueue(w, s.engine.FailedEvents)
	case len(parts) == 4 && parts[1] == "queue" && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, parts[2])
	case len(parts) == 4 && parts[1] == "queue" && parts[3] == "discard" && r.Method == http.MethodPost:
		s.handleDiscard(w, parts[2])
	case len(parts) == 2 && parts[1] == "checkins" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.CheckIns()})
	case len(parts) == 3 && parts[1] == "checkins" && r.Method == http.MethodGet:
		s.handleCheckIn(w, parts[2])
	case len(parts) == 2 && parts[1] == "commands" && r.Method == http.MethodPost:
		s.handleSubmit(w, r)
	case len(parts) == 3 && parts[1] == "lookup" && parts[2] == "scan" && r.Method == http.MethodPost:
		s.handleScan(w, r)
	case len(parts) == 3 && parts[1] == "lookup" && parts[2] == "plate" && r.Method == http.MethodGet:
		s.handlePlate(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	state := s.channel.State()
	resp := statusResponse{
		Connection: connectionStatus{
			Phase:   string(state.Phase),
			Attempt: state.Attempt,
		},
		Queue: s.engine.Stats(),
	}
	if state.LastError != nil {
		resp.Connection.LastError = state.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, list func() ([]gatesync.QueuedEvent, error)) {
	items, err := list()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetry(w http.ResponseWriter, commandID string) {
	if err := s.engine.RetryFailed(commandID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "commandId": commandID})
}

func (s *Server) handleDiscard(w http.ResponseWriter, commandID string) {
	if err := s.engine.Discard(commandID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "commandId": commandID})
}

func (s *Server) handleCheckIn(w http.ResponseWriter, visitID string) {
	checkin, ok := s.engine.CheckIn(visitID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown visit")
		return
	}
	writeJSON(w, http.StatusOK, checkin)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var cmd gatesync.SyncCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	result, err := s.engine.Submit(cmd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	result, err := s.lookup.ResolveScan(r.Context(), req.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.trackMatch(result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlate(w http.ResponseWriter, r *http.Request) {
	result, err := s.lookup.LookupPlate(r.Context(), r.URL.Query().Get("plate"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.trackMatch(result)
	writeJSON(w, http.StatusOK, result)
}

// trackMatch seeds the engine's snapshot so a later status_update can be
// validated locally.
func (s *Server) trackMatch(result backend.LookupResult) {
	if result.Match != nil {
		_ = s.engine.TrackCheckIn(*result.Match)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() { _ = reader.Close() }()
	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return nil, false
	}
	return body, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gatesync.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, gatesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, gatesync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, gatesync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, gatesync.ErrStorage):
		writeError(w, http.StatusInsufficientStorage, "storage_error", err.Error())
	case errors.Is(err, gatesync.ErrDelivery):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
