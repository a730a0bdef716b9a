// Package server exposes dispatch and the pending queue over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/dispatch"
	"github.com/zen-systems/modelgate/pkg/logging"
	"github.com/zen-systems/modelgate/pkg/pending"
	"github.com/zen-systems/modelgate/pkg/policy"
	"github.com/zen-systems/modelgate/pkg/routeerr"
	"github.com/zen-systems/modelgate/pkg/router"
)

const maxBodyBytes = 32 << 20

// Config wires a Server.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Queue      pending.Queue
	Source     dispatch.SnapshotSource
	Gatherer   prometheus.Gatherer
	Flags      policy.Flags
	Logger     *zap.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *zap.Logger
	mux    *http.ServeMux
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: logging.OrNop(cfg.Logger), mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	s.mux.HandleFunc("GET /v1/pending", s.handleListPending)
	s.mux.HandleFunc("GET /v1/pending/{id}", s.handleGetPending)
	s.mux.HandleFunc("POST /v1/pending/{id}/fulfill", s.handleFulfill)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// DispatchRequest is the body of POST /v1/dispatch. Slot and exec slot
// default to the configured defaults when omitted.
type DispatchRequest struct {
	Task          string            `json:"task"`
	RoutingKey    string            `json:"routing_key,omitempty"`
	Input         string            `json:"input"`
	Kind          artifact.Kind     `json:"kind,omitempty"`
	Slot          *int              `json:"slot,omitempty"`
	ExecSlot      *int              `json:"exec_slot,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
	ForceModel    string            `json:"force_model,omitempty"`
	ForceProvider string            `json:"force_provider,omitempty"`
	FamilyEscape  bool              `json:"family_escape,omitempty"`
	Emergency     bool              `json:"emergency,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body DispatchRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	req := dispatch.Request{
		Task:          body.Task,
		RoutingKey:    body.RoutingKey,
		Input:         body.Input,
		Kind:          body.Kind,
		Slot:          router.UseDefault,
		ExecSlot:      router.UseDefault,
		Options:       body.Options,
		ForceModel:    body.ForceModel,
		ForceProvider: body.ForceProvider,
		FamilyEscape:  body.FamilyEscape,
		Flags:         s.cfg.Flags,
	}
	if body.Slot != nil {
		req.Slot = *body.Slot
	}
	if body.ExecSlot != nil {
		req.ExecSlot = *body.ExecSlot
	}
	if body.Emergency {
		req.Flags.EmergencyOverride = true
	}

	res, err := s.cfg.Dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, statusFor(res, err), resultBody(res))
}

type resultJSON struct {
	*dispatch.Result
	ErrorClass routeerr.Class `json:"error_class,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func resultBody(res *dispatch.Result) resultJSON {
	out := resultJSON{Result: res}
	if res != nil && res.Err != nil {
		out.ErrorClass = routeerr.ClassOf(res.Err)
		out.Error = res.Err.Error()
	}
	return out
}

func statusFor(res *dispatch.Result, err error) int {
	if res == nil {
		return http.StatusInternalServerError
	}
	switch res.Status {
	case dispatch.StatusCompleted:
		return http.StatusOK
	case dispatch.StatusPending:
		return http.StatusAccepted
	case dispatch.StatusRejected:
		switch routeerr.ClassOf(err) {
		case routeerr.ClassPolicy:
			return http.StatusForbidden
		case routeerr.ClassStaleness:
			return http.StatusConflict
		default:
			return http.StatusUnprocessableEntity
		}
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	status := pending.Status(r.URL.Query().Get("status"))
	recs, err := s.cfg.Queue.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*pending.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// FulfillRequest is the body of POST /v1/pending/{id}/fulfill.
type FulfillRequest struct {
	Content   string            `json:"content,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	MediaType string            `json:"media_type,omitempty"`
	URL       string            `json:"url,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body FulfillRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.cfg.Queue.Get(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	payload := buildPayload(body, rec)
	done, err := s.cfg.Queue.Fulfill(r.Context(), id, payload)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	s.logger.Info("Pending record fulfilled", zap.String("id", id), zap.String("task", done.Task))
	writeJSON(w, http.StatusOK, done)
}

func buildPayload(body FulfillRequest, rec *pending.Record) *artifact.Artifact {
	provider := body.Provider
	if provider == "" {
		provider = "external"
	}
	var art *artifact.Artifact
	if len(body.Data) > 0 || body.URL != "" {
		art = artifact.NewImage(body.Data, body.MediaType, body.URL, provider, rec.Model)
	} else {
		art = artifact.New(body.Content, provider, rec.Model)
	}
	for k, v := range body.Metadata {
		art = art.WithMetadata(k, v)
	}
	return art
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.cfg.Source != nil {
		if snap := s.cfg.Source.Snapshot(); snap != nil {
			body["config_digest"] = snap.Digest()
			body["config_loaded_at"] = snap.LoadedAt()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pending.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pending.ErrNotPending), errors.Is(err, pending.ErrAlreadyConsumed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
