// Package ops exposes the operational HTTP surface: liveness plus prometheus
// metrics. It binds to a loopback address by default and carries no tenant
// data.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushpress/internal/delivery"
	"pushpress/internal/feeds"
	"pushpress/internal/queue"
	"pushpress/internal/scheduler"
	"pushpress/internal/storage"
	"pushpress/internal/webhook"
	logx "pushpress/pkg/logx"
)

type Server struct {
	store *storage.Store
	queue *queue.Service
	srv   *http.Server
	log   logx.Logger
}

func NewServer(addr string, store *storage.Store, q *queue.Service, log logx.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	s := &Server{store: store, queue: q, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		s.log.Info("ops server listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status string           `json:"status"`
	Queues map[string]int64 `json:"queues"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "storage unavailable"})
		return
	}

	depths := make(map[string]int64)
	for _, name := range []string{delivery.QueueName, webhook.QueueName, feeds.QueueName, scheduler.QueueName} {
		n, err := s.queue.Depth(ctx, name)
		if err != nil {
			continue
		}
		depths[name] = n
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Queues: depths})
}
