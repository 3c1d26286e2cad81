package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stratadb/strata/internal/compact"
	"github.com/stratadb/strata/internal/engine"
	"github.com/stratadb/strata/internal/index"
	"github.com/stratadb/strata/internal/store"
)

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(db, index.NewNaive(), &compact.Mock{Output: "summary"}, engine.Options{Logger: log})
	sched := engine.NewScheduler(eng, engine.SchedulerOptions{Logger: log})
	return New(eng, sched, "test"), eng
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestSubmitAndGetEntry(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/entries", map[string]any{
		"content": "deploy checklist that worked",
		"metadata": map[string]any{
			"importance":          0.8,
			"outcome":             "success",
			"emotional_intensity": 0.2,
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	id, _ := created["entry_id"].(string)
	if id == "" {
		t.Fatal("no entry_id in response")
	}
	if created["tier"] != "durable" {
		t.Errorf("tier = %v, want durable", created["tier"])
	}

	w = doJSON(t, srv, http.MethodGet, "/api/entries/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["id"] != id || body["phase"] != "episodic" {
		t.Errorf("body = %v", body)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/entries", map[string]any{"content": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/entries", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/entries/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestForceMoveEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().CreateEntry(&store.Entry{ID: "e1", Content: "c", Tier: store.TierDurable})

	w := doJSON(t, srv, http.MethodPost, "/api/entries/e1/move", map[string]any{"tier": "reflex"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	e, _ := eng.DB().GetEntry("e1")
	if e.Tier != store.TierReflex {
		t.Errorf("tier = %q, want reflex", e.Tier)
	}

	// Neither tier nor phase supplied.
	w = doJSON(t, srv, http.MethodPost, "/api/entries/e1/move", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty move status = %d, want 400", w.Code)
	}
}

func TestForceMoveProtectedConflict(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().CreateEntry(&store.Entry{ID: "e1", Content: "c", Tier: store.TierCritical, Protected: true})

	w := doJSON(t, srv, http.MethodPost, "/api/entries/e1/move", map[string]any{"tier": "durable"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestForceMovePhaseEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().CreateEntry(&store.Entry{ID: "e1", Content: strings.Repeat("x ", 400), Tier: store.TierDurable})

	w := doJSON(t, srv, http.MethodPost, "/api/entries/e1/move", map[string]any{"phase": "semantic"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	e, _ := eng.DB().GetEntry("e1")
	if e.Phase != store.PhaseSemantic || e.Content != "summary" {
		t.Errorf("entry = phase %q content %q", e.Phase, e.Content)
	}
}

func TestDeleteEntryEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().CreateEntry(&store.Entry{ID: "e1", Content: "c", Tier: store.TierDurable})

	w := doJSON(t, srv, http.MethodDelete, "/api/entries/e1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/entries/e1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", w.Code)
	}
	w = doJSON(t, srv, http.MethodDelete, "/api/entries/e1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().CreateEntry(&store.Entry{ID: "e1", Content: "c", Tier: store.TierDurable})
	eng.DB().AppendDecision(&store.Decision{EntryID: "e1", Signals: "{}", Tier: store.TierDurable})

	w := doJSON(t, srv, http.MethodGet, "/api/entries/e1/decisions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Decisions []store.Decision `json:"decisions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Decisions) != 1 {
		t.Errorf("decisions = %d, want 1", len(body.Decisions))
	}
}

func TestLinksAndLineageEndpoints(t *testing.T) {
	srv, eng := testServer(t)
	for _, id := range []string{"a", "b"} {
		eng.DB().CreateEntry(&store.Entry{ID: id, Content: "c", Tier: store.TierDurable})
	}

	w := doJSON(t, srv, http.MethodPost, "/api/entries/a/links", map[string]any{
		"to_id":    "b",
		"relation": "evolved_from",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodGet, "/api/entries/a/lineage?depth=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Edges []store.Edge `json:"edges"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Edges) != 1 || body.Edges[0].ToID != "b" {
		t.Errorf("edges = %+v", body.Edges)
	}
}

func TestQueryEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	db := eng.DB()
	for i, strength := range []float64{0.9, 0.3} {
		id := fmt.Sprintf("e%d", i)
		db.CreateEntry(&store.Entry{ID: id, Content: "c", Tier: store.TierDurable})
		db.UpdateStrength(id, strength)
	}

	w := doJSON(t, srv, http.MethodPost, "/api/query", map[string]any{"limit": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(body.Results))
	}
	if body.Results[0]["id"] != "e0" {
		t.Errorf("top result = %v, want e0", body.Results[0]["id"])
	}

	w = doJSON(t, srv, http.MethodPost, "/api/query", map[string]any{"tiers": []string{"bogus"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown tier status = %d, want 400", w.Code)
	}
}

func TestTiersEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().CreateEntry(&store.Entry{ID: "e1", Content: "c", Tier: store.TierDurable})

	w := doJSON(t, srv, http.MethodGet, "/api/tiers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if _, ok := body["tiers"]; !ok {
		t.Error("no tiers in response")
	}
	if _, ok := body["working_set"]; !ok {
		t.Error("no working_set in response")
	}
}

func TestEconomicsEndpoint(t *testing.T) {
	srv, eng := testServer(t)
	eng.DB().AddToLedger("2026-08-29", 500, 200, 3)

	w := doJSON(t, srv, http.MethodGet, "/api/economics?date=2026-08-29", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["tokens_in"] != float64(500) || body["entries_processed"] != float64(3) {
		t.Errorf("body = %v", body)
	}
}

func TestCycleEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/cycle", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestCycleEndpointNoScheduler(t *testing.T) {
	srv, eng := testServer(t)
	srv = New(eng, nil, "test")

	w := doJSON(t, srv, http.MethodPost, "/api/cycle", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
