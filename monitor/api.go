package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the monitor's REST API on a chi router. Callers own
// the outer middleware stack (auth, request IDs, logging).
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/api/pages", func(r chi.Router) {
		r.Get("/", s.handleListPages)
		r.Post("/", s.handleAddPage)

		r.Route("/{pageID}", func(r chi.Router) {
			r.Get("/", s.handleGetPage)
			r.Patch("/", s.handleUpdatePage)
			r.Delete("/", s.handleRemovePage)
			r.Post("/check", s.handleCheckNow)
			r.Post("/reset", s.handleResetBaseline)
			r.Get("/history", s.handleFetchHistory)
			r.Get("/changes", s.handlePageChanges)
		})
	})
	r.Get("/api/changes", s.handleRecentChanges)
	r.Get("/api/stats", s.handleStats)
}

func (s *Service) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.ListPages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pages == nil {
		pages = []*Page{}
	}
	writeJSON(w, http.StatusOK, pages)
}

func (s *Service) handleAddPage(w http.ResponseWriter, r *http.Request) {
	var in PageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	page, err := s.AddPage(r.Context(), &in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

func (s *Service) handleGetPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.GetPage(r.Context(), chi.URLParam(r, "pageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	var patch PagePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	page, err := s.UpdatePage(r.Context(), chi.URLParam(r, "pageID"), &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleRemovePage(w http.ResponseWriter, r *http.Request) {
	if err := s.RemovePage(r.Context(), chi.URLParam(r, "pageID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Service) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	rep, err := s.CheckNow(r.Context(), chi.URLParam(r, "pageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rep == nil {
		writeJSON(w, http.StatusOK, map[string]any{"changed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": true, "report": rep})
}

func (s *Service) handleResetBaseline(w http.ResponseWriter, r *http.Request) {
	if err := s.ResetBaseline(r.Context(), chi.URLParam(r, "pageID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Service) handleFetchHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.FetchHistory(r.Context(), chi.URLParam(r, "pageID"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*FetchLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handlePageChanges(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	if _, err := s.GetPage(r.Context(), pageID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.RecentChanges(r.Context(), pageID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*ChangeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleRecentChanges(w http.ResponseWriter, r *http.Request) {
	entries, err := s.RecentChanges(r.Context(), r.URL.Query().Get("page_id"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*ChangeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrDuplicatePage):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInsufficientContent):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
