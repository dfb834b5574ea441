package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/proxycast/proxycast/internal/memory"
)

// memorySearchRequest is the admin-facing search body. Queries are
// scored by keyword overlap; when an embedder is configured the score
// is fused with cosine similarity.
type memorySearchRequest struct {
	Query          string          `json:"query"`
	Category       memory.Category `json:"category,omitempty"`
	MinSim         float64         `json:"min_sim,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	SemanticWeight float64         `json:"semantic_weight,omitempty"`
}

type memoryHit struct {
	Memory *memory.Memory `json:"memory"`
	Score  float64        `json:"score"`
}

// handleMemories serves GET (list) and POST (save) on /admin/memories.
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if s.memories == nil {
		s.adminError(w, r, http.StatusServiceUnavailable, errors.New("memory store unavailable"))
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		category := memory.Category(r.URL.Query().Get("category"))
		items, err := s.memories.List(ctx, category, 0)
		if err != nil {
			s.adminError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": items})

	case http.MethodPost:
		var m memory.Memory
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			s.adminError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := s.memories.Save(ctx, &m); err != nil {
			s.adminError(w, r, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, &m)

	default:
		w.Header().Set("Allow", "GET, POST")
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// handleMemoryByID serves GET and DELETE on /admin/memories/{id}.
func (s *Server) handleMemoryByID(w http.ResponseWriter, r *http.Request) {
	if s.memories == nil {
		s.adminError(w, r, http.StatusServiceUnavailable, errors.New("memory store unavailable"))
		return
	}
	ctx := r.Context()
	id := strings.TrimPrefix(r.URL.Path, "/admin/memories/")
	if id == "" || strings.Contains(id, "/") {
		s.adminError(w, r, http.StatusNotFound, errors.New("memory not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		m, err := s.memories.Get(ctx, id)
		if err != nil {
			s.adminError(w, r, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, m)

	case http.MethodDelete:
		if err := s.memories.Delete(ctx, id); err != nil {
			s.adminError(w, r, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, DELETE")
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// handleMemorySearch serves POST /admin/memories/search.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memories == nil {
		s.adminError(w, r, http.StatusServiceUnavailable, errors.New("memory store unavailable"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		s.adminError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	ctx := r.Context()

	var req memorySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.adminError(w, r, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.adminError(w, r, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	opts := memory.SearchOptions{Category: req.Category, MinSim: req.MinSim, Limit: req.Limit}

	var (
		results []memory.SearchResult
		err     error
	)
	if s.embedder != nil {
		weight := req.SemanticWeight
		if weight == 0 {
			weight = 0.7
		}
		var vec []float32
		vec, err = s.embedder.Embed(ctx, req.Query)
		if err == nil {
			results, err = s.memories.HybridSearch(ctx, vec, req.Query, weight, opts)
		}
	} else {
		results, err = s.memories.KeywordSearch(ctx, req.Query, opts)
	}
	if err != nil {
		s.adminError(w, r, http.StatusInternalServerError, err)
		return
	}

	hits := make([]memoryHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, memoryHit(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
