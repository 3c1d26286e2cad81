package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stratadb/strata/internal/engine"
	"github.com/stratadb/strata/internal/store"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string          `json:"content"`
		Metadata engine.Metadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	id, err := s.eng.Submit(r.Context(), req.Content, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry, err := s.eng.DB().GetEntry(id)
	if err != nil || entry == nil {
		writeJSON(w, http.StatusCreated, map[string]string{"entry_id": id})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"entry_id": id,
		"tier":     entry.Tier,
		"archived": entry.Archived,
	})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")
	entry, err := s.eng.DB().GetEntry(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entryJSON(entry))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")
	if err := s.eng.Delete(r.Context(), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleForceMove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")

	var req struct {
		Tier  string `json:"tier"`
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Tier == "" && req.Phase == "" {
		writeError(w, http.StatusBadRequest, "tier or phase required")
		return
	}

	var tier *store.Tier
	var phase *store.Phase
	if req.Tier != "" {
		t := store.Tier(req.Tier)
		tier = &t
	}
	if req.Phase != "" {
		p := store.Phase(req.Phase)
		phase = &p
	}

	if err := s.eng.ForceMove(r.Context(), id, tier, phase); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			writeError(w, http.StatusNotFound, "entry not found")
		case errors.Is(err, engine.ErrProtectedViolation):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")
	if err := s.eng.Touch(id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not in working set")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "touched"})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")
	decisions, err := s.eng.DB().ListDecisions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")
	depth := 3
	if d := r.URL.Query().Get("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			depth = n
		}
	}
	edges, err := s.eng.Lineage(r.Context(), id, depth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entryID")

	var req struct {
		ToID     string `json:"to_id"`
		Relation string `json:"relation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ToID == "" || req.Relation == "" {
		writeError(w, http.StatusBadRequest, "to_id and relation required")
		return
	}

	edge, err := s.eng.LinkEntries(r.Context(), id, req.ToID, req.Relation)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vector []float64 `json:"vector"`
		Tiers  []string  `json:"tiers"`
		Limit  int       `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	opts := engine.QueryOpts{Vector: req.Vector, Limit: req.Limit}
	for _, t := range req.Tiers {
		opts.Tiers = append(opts.Tiers, store.Tier(t))
	}

	results, err := s.eng.Query(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		m := entryJSON(&res.Entry)
		m["score"] = res.Score
		m["similarity"] = res.Similarity
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleTierStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.eng.TierStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	size, capacity := s.eng.WorkingSet().Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"tiers": status,
		"working_set": map[string]int{
			"size":     size,
			"capacity": capacity,
		},
	})
}

func (s *Server) handleTokenEconomics(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("date")
	ledger, err := s.eng.TokenEconomics(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}

	// Detached from the request context: the cycle can take a while
	// with a summarizing compactor.
	go func() {
		_, _ = s.sched.RunCycle(context.Background())
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle started"})
}

func entryJSON(e *store.Entry) map[string]any {
	return map[string]any{
		"id":                  e.ID,
		"tier":                e.Tier,
		"phase":               e.Phase,
		"content":             e.Content,
		"token_count":         e.TokenCount,
		"importance":          e.Importance,
		"outcome":             e.Outcome,
		"emotional_intensity": e.EmotionalIntensity,
		"strength":            e.Strength,
		"half_life_days":      e.HalfLifeDays,
		"protected":           e.Protected,
		"stalled":             e.Stalled,
		"archived":            e.Archived,
		"routing_confidence":  e.RoutingConfidence,
		"access_count":        e.AccessCount,
		"created_at":          e.CreatedAt,
		"last_accessed_at":    e.LastAccessedAt,
	}
}
