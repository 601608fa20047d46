// Package admin serves health, metrics and queue administration over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/baldanca/queue-dispatcher/directory"
	"github.com/baldanca/queue-dispatcher/telemetry"
)

// Queues is the directory surface exposed over HTTP.
type Queues interface {
	GetOrCreate(ctx context.Context, owner string) (string, error)
	Delete(ctx context.Context, owner string) (bool, error)
	Forget(ctx context.Context, owner string) bool
	Snapshot() map[string]string
}

// Stats reports dispatcher load. It may be nil.
type Stats interface {
	Active() int
	InFlight() int
	Limits() (maxInflightTotal, maxPrefetchPerQueue int)
}

// Server wires HTTP handlers for operators.
type Server struct {
	queues Queues
	stats  Stats
	logger *slog.Logger
}

func New(queues Queues, stats Stats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queues: queues, stats: stats, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Get("/queues", s.handleList)
	r.Post("/queues/{owner}", s.handleCreate)
	r.Delete("/queues/{owner}", s.handleDelete)
	r.Delete("/queues/{owner}/tracking", s.handleForget)
	return r
}

type queueResponse struct {
	Owner   string `json:"owner"`
	Address string `json:"address"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	snap := s.queues.Snapshot()
	out := make([]queueResponse, 0, len(snap))
	for owner, addr := range snap {
		out = append(out, queueResponse{Owner: owner, Address: addr})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out, "count": len(out)})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	addr, err := s.queues.GetOrCreate(r.Context(), owner)
	if err != nil {
		if errors.Is(err, directory.ErrEmptyOwner) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("create queue failed", slog.String("owner", owner), slog.String("error", err.Error()))
		// The queue may exist even when persisting the mapping failed.
		if addr == "" {
			http.Error(w, "create queue failed", http.StatusBadGateway)
			return
		}
	}
	writeJSON(w, http.StatusCreated, queueResponse{Owner: owner, Address: addr})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	existed, err := s.queues.Delete(r.Context(), owner)
	if err != nil {
		http.Error(w, "delete queue failed", http.StatusBadGateway)
		return
	}
	if !existed {
		http.Error(w, "queue not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if !s.queues.Forget(r.Context(), chi.URLParam(r, "owner")) {
		http.Error(w, "queue not tracked", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Active              int `json:"active_units"`
	InFlight            int `json:"inflight"`
	MaxInflightTotal    int `json:"max_inflight_total"`
	MaxPrefetchPerQueue int `json:"max_prefetch_per_queue"`
	KnownQueues         int `json:"known_queues"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{KnownQueues: len(s.queues.Snapshot())}
	if s.stats != nil {
		resp.Active = s.stats.Active()
		resp.InFlight = s.stats.InFlight()
		resp.MaxInflightTotal, resp.MaxPrefetchPerQueue = s.stats.Limits()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
