package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"chordring/chordnode"
	"chordring/internal/logger"
	"chordring/internal/obsmetrics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	n, err := chordnode.New(logger.Nop(), 16, "127.0.0.1", 0, 9001, nil)
	if err != nil {
		t.Fatalf("chordnode.New: %v", err)
	}
	if err := n.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(n.Stop)
	return New(n, obsmetrics.New(), ":0", logger.Nop())
}

func TestHandleHealthReportsServicing(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.handleHealth(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["state"] != "SERVICING" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleLookupResolvesSelfOnSoloRing(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/lookup?key=hello", nil)
	s.handleLookup(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ip"] != "127.0.0.1" || body["port"].(float64) != 9001 {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleLookupRejectsMissingKey(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/lookup", nil)
	s.handleLookup(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleDebugReportsSelfAsOwnSuccessor(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug", nil)
	s.handleDebug(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["self"] == "" || body["successor"] != body["self"] {
		t.Fatalf("expected a solo ring's successor to equal self, got: %v", body)
	}
}

func TestHandleMapFailsWithoutASecondNode(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/map", nil)
	s.handleMap(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 (no successor to traverse to)", rec.Code)
	}
}

func TestHandleMetricsWritesPrometheusOutput(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.handleMetrics(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
