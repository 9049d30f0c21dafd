package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/gallery/internal/export"
	"github.com/ent0n29/gallery/internal/interaction"
)

type interactionList struct {
	Count        int                       `json:"count"`
	Interactions []interaction.Interaction `json:"interactions"`
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	var (
		items []interaction.Interaction
		err   error
	)
	if queryBool(r, "pending") {
		items, err = s.store.ListPending(r.Context())
	} else {
		items, err = s.store.ListAll(r.Context())
	}
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if items == nil {
		items = []interaction.Interaction{}
	}
	respondJSON(w, http.StatusOK, interactionList{Count: len(items), Interactions: items})
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	id, ok := interactionIDParam(w, r)
	if !ok {
		return
	}
	it, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func (s *Server) handleDeleteInteraction(w http.ResponseWriter, r *http.Request) {
	id, ok := interactionIDParam(w, r)
	if !ok {
		return
	}
	if s.sessions.OwnsInteraction(id) {
		respondError(w, http.StatusConflict, "turn_in_progress", "interaction is still being written")
		return
	}
	if err := s.store.DeleteByID(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearInteractions(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAll(r.Context()); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.logger.Info("interaction history cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportInteractions(w http.ResponseWriter, r *http.Request) {
	exporter, err := export.NewExporter(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unsupported_format", err.Error())
		return
	}
	items, err := s.store.ListAll(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(exporter, items, &buf, queryBool(r, "redact")); err != nil {
		respondError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", exporter.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "interactions."+exporter.Extension()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleSweepInteractions(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "recovery not configured")
		return
	}
	n, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recovered": n})
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interaction.ErrNotFound):
		respondError(w, http.StatusNotFound, "interaction_not_found", err.Error())
	case interaction.IsStorageFault(err):
		s.logger.Error("store request failed", "err", err)
		respondError(w, http.StatusServiceUnavailable, "storage_fault", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func interactionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_interaction_id", "interaction id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}
