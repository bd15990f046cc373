package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/parley/internal/archive"
	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/split"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 1000
)

type personaCount struct {
	Persona string `json:"persona"`
	Records int    `json:"records"`
}

// summary handles GET /api/v1/summary
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := split.ReadSummary(s.dirs.Eval)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no split has run yet")
			return
		}
		slog.Error("read summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "read summary failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// personas handles GET /api/v1/personas
func (s *Server) personas(w http.ResponseWriter, r *http.Request) {
	files, err := store.Discover(s.dirs.Processed)
	if err != nil {
		slog.Error("discover personas failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list personas failed")
		return
	}

	out := make([]personaCount, 0, len(files))
	for _, pf := range files {
		n, err := store.CountRecords(pf.Path)
		if err != nil {
			slog.Error("count records failed", "persona", pf.Persona, "error", err)
			writeError(w, http.StatusInternalServerError, "count records failed")
			return
		}
		out = append(out, personaCount{Persona: pf.Persona, Records: n})
	}
	writeJSON(w, http.StatusOK, out)
}

// records handles GET /api/v1/personas/{persona}/records?limit=N
func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	persona := chi.URLParam(r, "persona")
	if err := store.ValidPersona(persona); err != nil {
		writeError(w, http.StatusBadRequest, "invalid persona")
		return
	}

	limit, ok := recordLimit(w, r)
	if !ok {
		return
	}

	recs, err := store.ReadPersona(s.dirs.Processed, persona, limit)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			writeError(w, http.StatusNotFound, "persona not found")
			return
		}
		slog.Error("read persona failed", "persona", persona, "error", err)
		writeError(w, http.StatusInternalServerError, "read records failed")
		return
	}
	if recs == nil {
		recs = []chat.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// archives handles GET /api/v1/personas/{persona}/archives
func (s *Server) archives(w http.ResponseWriter, r *http.Request) {
	persona := chi.URLParam(r, "persona")
	if err := store.ValidPersona(persona); err != nil {
		writeError(w, http.StatusBadRequest, "invalid persona")
		return
	}

	paths, err := archive.List(s.dirs.Archive, persona)
	if err != nil {
		slog.Error("list archives failed", "persona", persona, "error", err)
		writeError(w, http.StatusInternalServerError, "list archives failed")
		return
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// mirrored handles GET /api/v1/personas/{persona}/mirror?limit=N
func (s *Server) mirrored(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	persona := chi.URLParam(r, "persona")
	if err := store.ValidPersona(persona); err != nil {
		writeError(w, http.StatusBadRequest, "invalid persona")
		return
	}
	limit, ok := recordLimit(w, r)
	if !ok {
		return
	}

	recs, err := s.mirror.PersonaRecords(r.Context(), persona)
	if err != nil {
		slog.Error("read mirrored records failed", "persona", persona, "error", err)
		writeError(w, http.StatusInternalServerError, "read mirrored records failed")
		return
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []chat.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func recordLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultRecordLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxRecordLimit), true
}
