package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/parley/internal/chat"
)

// Dirs are the dataset directories the API reads from.
type Dirs struct {
	Processed string
	Eval      string
	Archive   string
}

// RecordSource reads persona records back from the Postgres mirror.
type RecordSource interface {
	PersonaRecords(ctx context.Context, persona string) ([]chat.Record, error)
}

type Server struct {
	router *chi.Mux
	port   int
	dirs   Dirs
	mirror RecordSource
}

// NewServer builds the router. mirror may be nil when no database is configured.
func NewServer(port int, apiToken string, dirs Dirs, mirror RecordSource) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		dirs:   dirs,
		mirror: mirror,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/parley/status", s.status)

	router.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/api/v1/summary", s.summary)
		r.Get("/api/v1/personas", s.personas)
		r.Get("/api/v1/personas/{persona}/records", s.records)
		r.Get("/api/v1/personas/{persona}/archives", s.archives)
		r.Get("/api/v1/personas/{persona}/mirror", s.mirrored)
	})

	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":  "parley",
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
