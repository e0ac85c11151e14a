// Package admin serves the operator HTTP API of a node: health, Prometheus
// metrics, partition status, command submission and distribution control.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/partition"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SubmitRequest is the body of POST /api/partitions/{id}/commands.
type SubmitRequest struct {
	Operation string          `json:"operation"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Caller    string          `json:"caller"`
}

// SubmitResponse carries the outcome of a submitted command.
type SubmitResponse struct {
	Position int64           `json:"position"`
	Value    json.RawMessage `json:"value,omitempty"`
	Raw      string          `json:"raw,omitempty"`
}

type server struct {
	arena   *partition.Arena
	timeout time.Duration
}

// NewServer builds the router. gatherer backs /metrics.
func NewServer(arena *partition.Arena, gatherer prometheus.Gatherer, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &server{arena: arena, timeout: timeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/partitions", func(r chi.Router) {
		r.Get("/", s.listPartitions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getPartition)
			r.Post("/commands", s.submit)
			r.Post("/snapshot", s.snapshot)
			r.Get("/distributions", s.listDistributions)
			r.Post("/distributions/{key}/resume", s.resume)
		})
	})
	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *server) partition(w http.ResponseWriter, r *http.Request) (*partition.Partition, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "partition id must be a number", http.StatusBadRequest)
		return nil, false
	}
	p, ok := s.arena.Get(id)
	if !ok {
		http.Error(w, "partition not found", http.StatusNotFound)
		return nil, false
	}
	return p, true
}

func (s *server) listPartitions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	out := []partition.Status{}
	for _, p := range s.arena.Local() {
		st, err := p.Status().Join(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getPartition(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	st, err := p.Status().Join(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Operation == "" {
		http.Error(w, "operation is required", http.StatusBadRequest)
		return
	}
	kind, err := executor.ParseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		req.Caller = "admin"
	}

	ctx, cancel := s.ctx(r)
	defer cancel()
	res, err := p.Submit(executor.Command{OperationID: req.Operation, Kind: kind, Payload: req.Payload}, req.Caller).Join(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := SubmitResponse{Position: res.Position}
	if json.Valid(res.Value) {
		resp.Value = res.Value
	} else if len(res.Value) > 0 {
		resp.Raw = string(res.Value)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) snapshot(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	pos, err := p.Snapshot().Join(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"position": pos})
}

func (s *server) listDistributions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	records, err := p.Distributions().Join(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []distribution.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *server) resume(w http.ResponseWriter, r *http.Request) {
	p, ok := s.partition(w, r)
	if !ok {
		return
	}
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		http.Error(w, "distribution key must be a number", http.StatusBadRequest)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if _, err := p.Resume(distribution.Key(key)).Join(ctx); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var perr *executor.ProcessingError
	switch {
	case errors.Is(err, distribution.ErrUnknownDistribution),
		errors.Is(err, partition.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, distribution.ErrNotFailed):
		status = http.StatusConflict
	case errors.Is(err, executor.ErrUnregisteredOperation),
		errors.Is(err, executor.ErrKindMismatch),
		errors.As(err, &perr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, partition.ErrPartitionClosed):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
