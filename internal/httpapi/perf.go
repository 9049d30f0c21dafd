package httpapi

import "net/http"

// handlePerfLatency reports the rolling per-stage turn latencies next to the
// engine that produced them.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"engine": s.engine.Name(),
		"turns":  s.metrics.SnapshotTurnStages(),
	})
}
