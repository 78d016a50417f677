package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"cep-etl/internal/config"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("encode response: %v", err)
	}
}

// createJob handles POST /jobs
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg, err := s.configFor(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	entry := &jobEntry{status: &JobStatus{
		JobID:     jobID,
		Status:    StatusQueued,
		StartedAt: time.Now(),
	}}

	s.mu.Lock()
	s.jobs[jobID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(entry, cfg)

	writeJSON(w, http.StatusAccepted, JobResponse{JobID: jobID})
}

// configFor applies the request overrides to a copy of the base config,
// which already carries the defaults.
func (s *Server) configFor(req JobRequest) (*config.Config, error) {
	if req.Workers < 0 {
		return nil, eris.New("workers must be positive")
	}
	if req.LogEvery < 0 {
		return nil, eris.New("log_every must be positive")
	}

	cfg := *s.base
	if req.InputPath != "" {
		cfg.Input.Path = req.InputPath
	}
	if req.Column != "" {
		cfg.Input.Column = req.Column
	}
	if req.Delimiter != "" {
		cfg.Input.Delimiter = req.Delimiter
	}
	if req.Encoding != "" {
		cfg.Input.Encoding = req.Encoding
	}
	if req.Workers > 0 {
		cfg.Workers = req.Workers
	}
	if req.LogEvery > 0 {
		cfg.LogEvery = req.LogEvery
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// runJob builds the pipeline and runs it to completion.
func (s *Server) runJob(entry *jobEntry, cfg *config.Config) {
	defer s.wg.Done()
	jobID := entry.status.JobID
	log := logrus.WithField("job", jobID)

	p, err := s.build(context.Background(), cfg, s.metrics)
	if err != nil {
		s.finish(entry, err)
		return
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warnf("closing pipeline: %v", err)
		}
	}()

	s.mu.Lock()
	if entry.status.Status == StatusCancelled {
		s.mu.Unlock()
		s.finish(entry, nil)
		return
	}
	entry.pipeline = p
	entry.status.Status = StatusRunning
	s.mu.Unlock()

	log.Infof("job started | input=%s workers=%d", cfg.Input.Path, cfg.Workers)
	sum, err := p.Run(context.Background())
	log.Infof("job ended | processed=%d ok=%d errors=%d", sum.Processed, sum.OK, sum.Errors)
	s.finish(entry, err)
}

// finish records the terminal state of a job. A cancelled job stays
// cancelled whatever Run returned.
func (s *Server) finish(entry *jobEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshotLocked(entry)
	entry.pipeline = nil
	if entry.status.FinishedAt == nil {
		now := time.Now()
		entry.status.FinishedAt = &now
	}
	switch {
	case entry.status.Status == StatusCancelled:
	case err != nil:
		logrus.WithField("job", entry.status.JobID).Errorf("job failed: %v", err)
		entry.status.Status = StatusError
		entry.status.Error = err.Error()
	default:
		entry.status.Status = StatusFinished
	}
}

// snapshotLocked copies the live counters of a running job into its status.
func (s *Server) snapshotLocked(entry *jobEntry) {
	if entry.pipeline == nil {
		return
	}
	st := entry.pipeline.Runner.Stats()
	entry.status.Processed = st.Processed
	entry.status.OK = st.OK
	entry.status.Errors = st.Errors
}

// getJob handles GET /jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	entry, ok := s.jobs[id]
	var status JobStatus
	if ok {
		s.snapshotLocked(entry)
		status = *entry.status
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// cancelJob handles DELETE /jobs/{id}. In-flight lookups finish; the job
// stops submitting new ones and closes its sinks.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	entry, ok := s.jobs[id]
	if ok {
		switch entry.status.Status {
		case StatusQueued, StatusRunning:
			entry.status.Status = StatusCancelled
			if entry.pipeline != nil {
				entry.pipeline.Stop()
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Wait blocks until every job has ended or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
