package api

import (
	"net/http"
	"sort"

	"github.com/emberhost/crucible/internal/pool"
)

// handleGetPool reports per-node pool occupancy.
func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	stats := make([]pool.Stats, 0, len(s.pools))
	for _, p := range s.pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].NodeID < stats[j].NodeID })

	writeJSON(w, http.StatusOK, map[string]any{"nodes": stats})
}

// handleListSubstrates reports the capabilities of each registered substrate.
func (s *Server) handleListSubstrates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"substrates": s.substrates.List()})
}

// handleGetStats returns aggregate execution counts from the store.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
