// Package server exposes a session over HTTP.
//
// The /api/config, /api/jsons, /api/upload, /api/generate and /api/preview
// routes are what the browser page uses. The state routes let any client
// mutate the layout through the session instead of posting whole snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sheetsmith/sheetsmith/pkg/documents"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/policy"
	"github.com/sheetsmith/sheetsmith/pkg/session"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// maxBodyBytes caps JSON request bodies. Uploads use the provider limit.
const maxBodyBytes = 1 << 20

// Guard decides whether a generate or preview request may run.
type Guard interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Result, error)
}

// Options configures a Server.
type Options struct {
	Session   *session.Session
	Documents *documents.Provider
	Generator documents.Generator

	// Guard is optional. Without one every request is allowed.
	Guard Guard

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Server serves the layout API.
type Server struct {
	sess   *session.Session
	docs   *documents.Provider
	gen    documents.Generator
	guard  Guard
	tel    *telemetry.Telemetry
	logger zerolog.Logger
}

// New creates a server.
func New(opts Options) (*Server, error) {
	if opts.Session == nil {
		return nil, errors.New("server: session is required")
	}
	if opts.Documents == nil {
		return nil, errors.New("server: document provider is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("server: generator is required")
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Server{
		sess:   opts.Session,
		docs:   opts.Documents,
		gen:    opts.Generator,
		guard:  opts.Guard,
		tel:    tel,
		logger: opts.Logger.With().Str("component", "server").Logger(),
	}, nil
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /preview", s.handlePreviewPage)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePostConfig)
	mux.HandleFunc("GET /api/jsons", s.handleListDocuments)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/preview", s.handlePreview)

	mux.HandleFunc("GET /api/layout", s.handleLayout)
	mux.HandleFunc("PUT /api/sections", s.handleSetAll)
	mux.HandleFunc("PUT /api/sections/{key}", s.handleSetSection)
	mux.HandleFunc("POST /api/order/{key}", s.handleMove)
	mux.HandleFunc("PUT /api/document", s.handleSelectDocument)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.tel.Metrics.Handler())

	return s.withTelemetry(withSecurityHeaders(mux))
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps server-sent events working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withTelemetry wraps every request in a span, records the request metric and
// logs the outcome. The route label is the matched pattern, so path values do
// not inflate metric cardinality.
func (s *Server) withTelemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := telemetry.NewTimer()
		ctx, span := s.tel.Tracer.StartSpan(r.Context(), telemetry.SpanHTTPRequest,
			telemetry.AttrHTTPMethod.String(r.Method),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(telemetry.AttrHTTPRoute.String(route))
		if rec.status >= http.StatusInternalServerError {
			telemetry.RecordError(span, errors.New(http.StatusText(rec.status)))
		}
		s.tel.Metrics.RecordRequest(r.Method, route, strconv.Itoa(rec.status))

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Str("trace_id", telemetry.TraceID(ctx)).
			Msg("Request handled")
	})
}

type errorResponse struct {
	Error      string             `json:"error"`
	Violations []policy.Violation `json:"violations,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// writeError maps an error to a status code and writes it as JSON.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, class := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.tel.Metrics.RecordError(class)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func classify(err error) (int, string) {
	var denied *policy.DeniedError
	var maxBytes *http.MaxBytesError
	switch {
	case layout.IsUnknownKey(err):
		return http.StatusNotFound, "unknown_key"
	case layout.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case layout.IsPersistence(err):
		return http.StatusServiceUnavailable, "persistence"
	case errors.As(err, &denied):
		return http.StatusBadRequest, "policy"
	case errors.Is(err, documents.ErrUnknownDocument):
		return http.StatusBadRequest, "unknown_document"
	case errors.Is(err, documents.ErrInvalidDocument):
		return http.StatusBadRequest, "invalid_document"
	case errors.Is(err, documents.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, documents.ErrNoGenerator):
		return http.StatusNotImplemented, "no_generator"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}
