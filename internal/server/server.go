// Package server exposes the trigger jobs and lifecycle queries over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/jobs"
	"github.com/sells-group/pcf-provenance/internal/lifecycle"
	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/resilience"
	"github.com/sells-group/pcf-provenance/internal/store"
)

const maxBodyBytes = 64 << 20

// Reader answers lifecycle and dead-letter queries. store.Store satisfies it.
type Reader interface {
	GetLifecycle(ctx context.Context, footprintID string) (*model.Lifecycle, error)
	ListLifecycles(ctx context.Context, filter store.LifecycleFilter) ([]model.Lifecycle, error)
	ListTransitions(ctx context.Context, footprintID string) ([]model.Transition, error)
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
}

type jobHandler func(ctx context.Context, body []byte) (any, error)

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "invalid request body: " + e.err.Error() }

func handle[I, O any](fn func(context.Context, I) (O, error)) jobHandler {
	return func(ctx context.Context, body []byte) (any, error) {
		var in I
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &in); err != nil {
				return nil, &decodeError{err: err}
			}
		}
		return fn(ctx, in)
	}
}

// Server routes HTTP requests to jobs.
type Server struct {
	handlers map[string]jobHandler
	reader   Reader
	router   chi.Router
}

// New builds the router. reader may be nil, in which case the query
// endpoints answer 503.
func New(j *jobs.Jobs, reader Reader) *Server {
	s := &Server{
		handlers: map[string]jobHandler{
			jobs.DefineFootprintTemplateName: handle(j.DefineFootprintTemplate),
			jobs.AppendTransportEventName:    handle(j.AppendTransportEvent),
			jobs.AppendHubEventName:          handle(j.AppendHubEvent),
			jobs.CollectReferenceDataName:    handle(j.CollectReferenceData),
			jobs.ComputeFootprintValueName:   handle(j.ComputeFootprintValue),
			jobs.ImportPriorProofName:        handle(j.ImportPriorProof),
			jobs.SendProofingDocumentName:    handle(j.SendProofingDocument),
			jobs.ReceiveProofResponseName:    handle(j.ReceiveProofResponse),
			jobs.RegisterProofName:           handle(j.RegisterProof),
			jobs.RetrieveAndVerifyProofName:  handle(j.RetrieveAndVerifyProof),
		},
		reader: reader,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(api chi.Router) {
		api.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string][]string{"jobs": jobs.Names})
		})
		api.Post("/jobs/{job}", s.runJob)
		api.Get("/lifecycles", s.listLifecycles)
		api.Get("/lifecycles/{id}", s.getLifecycle)
		api.Get("/dlq", s.listDLQ)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	h, ok := s.handlers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job "+strconv.Quote(name))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	start := time.Now()
	out, err := h(r.Context(), body)
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("job", name),
		zap.Int("status", status),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		zap.L().Warn("server: job failed", append(fields, zap.Error(err))...)
	} else {
		zap.L().Info("server: job complete", fields...)
	}

	var de *decodeError
	if errors.As(err, &de) {
		writeError(w, status, de.Error())
		return
	}
	writeJSON(w, status, out)
}

// statusFor maps job errors onto HTTP status codes. The job output body is
// still returned so callers see the embedded result.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var de *decodeError
	var ve *model.ValidationError
	var te *lifecycle.TransportError
	switch {
	case errors.As(err, &de):
		return http.StatusBadRequest
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listLifecycles(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	filter := store.LifecycleFilter{State: model.LifecycleState(q.Get("state"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	list, err := s.reader.ListLifecycles(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list lifecycles", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list lifecycles failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lifecycles": list})
}

func (s *Server) getLifecycle(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	id := chi.URLParam(r, "id")
	lc, err := s.reader.GetLifecycle(r.Context(), id)
	if err != nil {
		zap.L().Error("server: get lifecycle", zap.String("footprint_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get lifecycle failed")
		return
	}
	if lc == nil {
		writeError(w, http.StatusNotFound, "no lifecycle for "+id)
		return
	}
	transitions, err := s.reader.ListTransitions(r.Context(), id)
	if err != nil {
		zap.L().Error("server: list transitions", zap.String("footprint_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list transitions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lifecycle": lc, "transitions": transitions})
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	filter := resilience.DLQFilter{ErrorType: q.Get("error_type"), Step: model.Step(q.Get("step"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := s.reader.ListDLQ(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list dlq failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
