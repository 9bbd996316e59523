package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dockflow/gatesync/internal/backend"
	"github.com/dockflow/gatesync/internal/gatesync"
	"github.com/dockflow/gatesync/internal/realtime"
)

type fakeLookup struct {
	scan  backend.LookupResult
	plate backend.LookupResult
	err   error
}

func (f *fakeLookup) ResolveScan(ctx context.Context, code string) (backend.LookupResult, error) {
	if f.err != nil {
		return backend.LookupResult{}, f.err
	}
	return f.scan, nil
}

func (f *fakeLookup) LookupPlate(ctx context.Context, plate string) (backend.LookupResult, error) {
	if f.err != nil {
		return backend.LookupResult{}, f.err
	}
	return f.plate, nil
}

type testHarness struct {
	server  *Server
	engine  *gatesync.Engine
	lookup  *fakeLookup
	mu      sync.Mutex
	failing bool
	calls   int
}

func (h *testHarness) deliver(ctx context.Context, event gatesync.QueuedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failing {
		return &gatesync.DeliveryError{StatusCode: 503, Message: "backend unavailable", Transient: true}
	}
	return nil
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{lookup: &fakeLookup{}}

	engine, err := gatesync.NewEngine(gatesync.EngineOptions{
		Store:            gatesync.NewMemoryEventStore(),
		Deliver:          h.deliver,
		MaxRetries:       1,
		RetryBaseDelay:   time.Millisecond,
		DisableAutoDrain: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine

	channel, err := realtime.NewManager(realtime.ManagerOptions{
		URL: "wss://backend.example/v1/gate/channel",
		Dialer: func(ctx context.Context, rawURL string) (realtime.Conn, error) {
			return nil, errors.New("not dialed in tests")
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.server = NewServer(engine, channel, h.lookup)
	return h
}

func (h *testHarness) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload["code"], payload["message"]
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.request(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusReportsConnectionAndQueue(t *testing.T) {
	h := newHarness(t)
	rec := h.request(t, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Connection struct {
			Phase string `json:"phase"`
		} `json:"connection"`
		Queue gatesync.QueueStats `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Connection.Phase != string(realtime.PhaseDisconnected) {
		t.Fatalf("expected disconnected, got %q", payload.Connection.Phase)
	}
	if payload.Queue.Pending != 0 || payload.Queue.Failed != 0 {
		t.Fatalf("expected empty queue, got %+v", payload.Queue)
	}
}

func TestSubmitCommandAccepted(t *testing.T) {
	h := newHarness(t)
	body := `{
		"commandId": "cmd-1",
		"kind": "status_update",
		"targetVisitId": "visit-1",
		"payload": {"from": "pending", "to": "arrived"},
		"createdAt": "2026-01-10T08:00:00Z"
	}`
	rec := h.request(t, http.MethodPost, "/v1/commands", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var result gatesync.SubmissionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.CommandID != "cmd-1" || result.Status != gatesync.EventPending || result.QueueDepth != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSubmitInvalidTransitionConflicts(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.TrackCheckIn(gatesync.GateCheckIn{VisitID: "visit-1", Status: gatesync.StatusCompleted}); err != nil {
		t.Fatalf("track: %v", err)
	}
	body := `{
		"commandId": "cmd-1",
		"kind": "status_update",
		"targetVisitId": "visit-1",
		"payload": {"to": "arrived"},
		"createdAt": "2026-01-10T08:00:00Z"
	}`
	rec := h.request(t, http.MethodPost, "/v1/commands", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if code, _ := decodeError(t, rec); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", code)
	}
}

func TestSubmitRejectsBadJSONAndBadPayload(t *testing.T) {
	h := newHarness(t)

	rec := h.request(t, http.MethodPost, "/v1/commands", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken JSON, got %d", rec.Code)
	}

	rec = h.request(t, http.MethodPost, "/v1/commands", `{
		"commandId": "cmd-1",
		"kind": "teleport",
		"targetVisitId": "visit-1",
		"payload": {}
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "validation_error" {
		t.Fatalf("expected validation_error, got %q", code)
	}
}

func TestQueueViewsAndRetryDiscard(t *testing.T) {
	h := newHarness(t)
	h.mu.Lock()
	h.failing = true
	h.mu.Unlock()

	body := `{
		"commandId": "cmd-1",
		"kind": "status_update",
		"targetVisitId": "visit-1",
		"payload": {"from": "pending", "to": "arrived"},
		"createdAt": "2026-01-10T08:00:00Z"
	}`
	if rec := h.request(t, http.MethodPost, "/v1/commands", body); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", rec.Code)
	}

	rec := h.request(t, http.MethodGet, "/v1/queue/pending", "")
	var listing struct {
		Items []gatesync.QueuedEvent `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].CommandID != "cmd-1" {
		t.Fatalf("expected cmd-1 pending, got %+v", listing.Items)
	}

	// Retrying a pending event is a state conflict.
	rec = h.request(t, http.MethodPost, "/v1/queue/cmd-1/retry", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	h.engine.Drain()
	rec = h.request(t, http.MethodGet, "/v1/queue/failed", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].Status != gatesync.EventFailed {
		t.Fatalf("expected cmd-1 failed, got %+v", listing.Items)
	}

	h.mu.Lock()
	h.failing = false
	h.mu.Unlock()
	rec = h.request(t, http.MethodPost, "/v1/queue/cmd-1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", rec.Code, rec.Body.String())
	}
	stats := h.engine.Stats()
	if stats.Pending != 0 || stats.Failed != 0 {
		t.Fatalf("expected queue drained after retry, got %+v", stats)
	}

	rec = h.request(t, http.MethodPost, "/v1/queue/cmd-1/discard", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 discarding a delivered event, got %d", rec.Code)
	}
}

func TestDiscardFailedEvent(t *testing.T) {
	h := newHarness(t)
	h.mu.Lock()
	h.failing = true
	h.mu.Unlock()

	body := `{
		"commandId": "cmd-1",
		"kind": "add_note",
		"targetVisitId": "visit-1",
		"payload": {"text": "driver waiting"},
		"createdAt": "2026-01-10T08:00:00Z"
	}`
	if rec := h.request(t, http.MethodPost, "/v1/commands", body); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", rec.Code)
	}
	h.engine.Drain()

	rec := h.request(t, http.MethodPost, "/v1/queue/cmd-1/discard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on discard, got %d: %s", rec.Code, rec.Body.String())
	}
	stats := h.engine.Stats()
	if stats.Failed != 0 {
		t.Fatalf("expected failed queue empty, got %+v", stats)
	}
}

func TestCheckInRoutes(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.TrackCheckIn(gatesync.GateCheckIn{VisitID: "visit-1", Carrier: "Nordlog", Status: gatesync.StatusArrived}); err != nil {
		t.Fatalf("track: %v", err)
	}

	rec := h.request(t, http.MethodGet, "/v1/checkins", "")
	var listing struct {
		Items []gatesync.GateCheckIn `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].Carrier != "Nordlog" {
		t.Fatalf("unexpected listing %+v", listing.Items)
	}

	rec = h.request(t, http.MethodGet, "/v1/checkins/visit-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = h.request(t, http.MethodGet, "/v1/checkins/visit-9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestScanSeedsTheSnapshot(t *testing.T) {
	h := newHarness(t)
	h.lookup.scan = backend.LookupResult{
		Match: &gatesync.GateCheckIn{VisitID: "visit-1", Status: gatesync.StatusPending},
	}

	rec := h.request(t, http.MethodPost, "/v1/lookup/scan", `{"code":"QR-7781"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := h.engine.CheckIn("visit-1"); !ok {
		t.Fatalf("expected scan match to seed the snapshot")
	}
}

func TestPlateLookupPassthrough(t *testing.T) {
	h := newHarness(t)
	h.lookup.plate = backend.LookupResult{
		Candidates: []gatesync.GateCheckIn{
			{VisitID: "visit-1"}, {VisitID: "visit-2"},
		},
	}

	rec := h.request(t, http.MethodGet, "/v1/lookup/plate?plate=WX-4421", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result backend.LookupResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected two candidates, got %+v", result)
	}
	// Candidates are not auto-tracked; the operator picks one first.
	if _, ok := h.engine.CheckIn("visit-1"); ok {
		t.Fatalf("expected candidates not to seed the snapshot")
	}
}

func TestLookupErrorsMapToUpstream(t *testing.T) {
	h := newHarness(t)
	h.lookup.err = &gatesync.DeliveryError{StatusCode: 503, Message: "backend unavailable", Transient: true}

	rec := h.request(t, http.MethodPost, "/v1/lookup/scan", `{"code":"QR-1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "upstream_error" {
		t.Fatalf("expected upstream_error, got %q", code)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	rec := h.request(t, http.MethodGet, "/v1/nonsense", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = h.request(t, http.MethodDelete, "/v1/status", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong method, got %d", rec.Code)
	}
}
