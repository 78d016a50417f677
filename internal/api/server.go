// Package api exposes lookup pipelines as background jobs over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"cep-etl/internal/app"
	"cep-etl/internal/config"
	"cep-etl/internal/metrics"
)

type buildFunc func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app.Pipeline, error)

// Server holds the router and the job registry.
type Server struct {
	router  chi.Router
	base    *config.Config
	metrics *metrics.Metrics
	build   buildFunc

	mu   sync.RWMutex
	jobs map[string]*jobEntry
	wg   sync.WaitGroup
}

type jobEntry struct {
	status   *JobStatus
	pipeline *app.Pipeline
}

// NewServer builds the router. Jobs start from base with the request's
// overrides applied; gatherer backs GET /metrics.
func NewServer(base *config.Config, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		base:    base,
		metrics: m,
		build:   app.Build,
		jobs:    make(map[string]*jobEntry),
	}
	r := chi.NewRouter()
	r.Use(recoveryMiddleware)
	r.Use(loggingMiddleware)

	r.Post("/jobs", s.createJob)
	r.Get("/jobs/{id}", s.getJob)
	r.Delete("/jobs/{id}", s.cancelJob)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// StopJobs stops every running job and waits until their sinks are closed.
func (s *Server) StopJobs() {
	s.mu.Lock()
	for _, e := range s.jobs {
		if e.pipeline != nil {
			e.pipeline.Stop()
		}
		if e.status.Status == StatusQueued || e.status.Status == StatusRunning {
			e.status.Status = StatusCancelled
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// loggingMiddleware logs method, path, status and latency of every request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"status":  ww.Status(),
			"elapsed": time.Since(start).Round(time.Microsecond),
		}).Infof("%s %s", r.Method, r.URL.Path)
	})
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logrus.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
