// Package api exposes the operational surface the core offers its
// collaborators: health, per-agent status, Prometheus metrics, webhook
// enqueue, and quarantine release. Agent CRUD, auth, and the dashboard live
// outside the core.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mongoclaw/mongoclaw/internal/agents"
	"github.com/mongoclaw/mongoclaw/internal/api/middleware"
	"github.com/mongoclaw/mongoclaw/internal/config"
	"github.com/mongoclaw/mongoclaw/internal/runtime"
)

// NewRouter creates the HTTP router for the operational endpoints.
func NewRouter(cfg *config.Config, rt *runtime.Runtime) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthHandler(cfg))
	r.Get("/status", statusHandler(rt))
	r.Method(http.MethodGet, "/metrics", rt.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/{agentID}", webhookHandler(rt))
		r.Post("/agents/{agentID}/quarantine/release", quarantineReleaseHandler(rt))
	})

	return r
}

func healthHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "mongoclaw",
			"version": cfg.Version,
		})
	}
}

func statusHandler(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"agents": rt.Status(r.Context()),
		})
	}
}

// webhookHandler is the enqueue_manual operation: the posted JSON document is
// enqueued for the agent, bypassing the watcher.
func webhookHandler(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentID")

		var document map[string]any
		if err := json.NewDecoder(r.Body).Decode(&document); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		workItemID, err := rt.EnqueueManual(r.Context(), agentID, document)
		if err != nil {
			var notFound *agents.ErrNotFound
			if errors.As(err, &notFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"work_item_id": workItemID})
	}
}

func quarantineReleaseHandler(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentID")
		rt.ReleaseQuarantine(agentID)
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "quarantine": "released"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
