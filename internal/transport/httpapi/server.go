// Package httpapi is the gateway's REST protocol adapter (spec §4.7,
// §6): public routes (/handshake, /health, /docs, /openapi.json) plus
// the pipeline-backed protected surface, with a chunked sink attached
// to each protected request's pipeline Context. Middleware runs
// recovery→logging→CORS→body-limit. Grounded on cmd/gateway/main.go's
// mux.Router construction and middleware layering and internal/app/httpapi/
// service.go's http.Server Start/Stop lifecycle shape, generalized so
// the Service satisfies internal/container.Service directly.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/boeni-industries/aico-gateway/internal/errs"
	"github.com/boeni-industries/aico-gateway/internal/pipeline"
	"github.com/boeni-industries/aico-gateway/internal/session"
	"github.com/boeni-industries/aico-gateway/internal/streaming"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Config carries the REST adapter's listen address, timeouts, and CORS
// policy.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration // default 15s
	WriteTimeout    time.Duration // default 15s
	IdleTimeout     time.Duration // default 60s
	ShutdownTimeout time.Duration // default 10s
	BodyLimitBytes  int64         // default 8MiB
	CORSOrigins     []string
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.BodyLimitBytes <= 0 {
		c.BodyLimitBytes = 8 << 20
	}
	return c
}

// HealthFunc reports the composed health rollup; the Lifecycle Manager
// supplies this when wiring the adapter.
type HealthFunc func(ctx context.Context) map[string]any

// Recorder observes completed requests for the Lifecycle Manager's
// Prometheus collectors. Nil-safe: a Server with no Recorder simply
// skips instrumentation.
type Recorder interface {
	Observe(transport, method, path, status string, dur time.Duration)
}

// Server is the REST protocol adapter, fitting internal/container.Service.
type Server struct {
	cfg      Config
	log      *gwlog.Logger
	pipeline *pipeline.Pipeline
	sessions *session.Manager
	routes   *pipeline.RouteTable
	health   HealthFunc
	recorder Recorder

	router *mux.Router
	http   *http.Server
}

// NewServer builds a Server wired to pl for protected routes and
// sessions for the /handshake endpoint.
func NewServer(cfg Config, pl *pipeline.Pipeline, sessions *session.Manager, routes *pipeline.RouteTable, health HealthFunc, log *gwlog.Logger) *Server {
	if log == nil {
		log = gwlog.NewDefault("http")
	}
	if health == nil {
		health = func(ctx context.Context) map[string]any { return map[string]any{"status": "ok"} }
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		pipeline: pl,
		sessions: sessions,
		routes:   routes,
		health:   health,
	}
	s.router = s.buildRouter()
	return s
}

// WithRecorder attaches a metrics Recorder, returning the Server for
// chaining at construction time.
func (s *Server) WithRecorder(r Recorder) *Server {
	s.recorder = r
	return s
}

func (s *Server) Name() string { return "rest-adapter" }

func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("rest adapter: listen: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodyLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocs).Methods(http.MethodGet)
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.HandleFunc("/handshake", s.handleHandshake).Methods(http.MethodPost)

	r.PathPrefix("/").HandlerFunc(s.handleProtected)
	return r
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorf("rest adapter: panic recovered: %v", rec)
				writeError(w, errs.Internal(nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithField("method", r.Method).WithField("path", r.URL.Path).
			WithField("duration_ms", time.Since(start).Milliseconds()).Debug("request handled")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyLimitBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health(r.Context()))
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"title": "AICO Gateway API",
		"docs":  "see /openapi.json for the machine-readable contract",
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"openapi": "3.0.3",
		"info":    map[string]any{"title": "AICO Gateway", "version": "1"},
		"paths":   map[string]any{},
	})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientPubKey string `json:"client_public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindBadPayload, "malformed handshake request", err))
		return
	}

	clientPub, err := session.DecodeB64(req.ClientPubKey)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindBadPayload, "invalid client public key encoding", err))
		return
	}

	result, err := s.sessions.BeginHandshake(req.ClientID, clientPub)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindBadPayload, "handshake failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":        result.SessionID,
		"server_public_key": session.EncodeB64(result.ServerPubRaw),
		"generation":        result.Generation,
	})
}

// handleProtected builds a pipeline.Context for anything that isn't a
// declared public route and drives it through the Plugin Pipeline with
// a chunked sink on the Context; the handler itself writes the reply as
// one JSON body (the sealed envelope when there is one).
func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindBadPayload, "failed to read request body", err))
		return
	}

	ctx := pipeline.NewContext(r.Context(), 30*time.Second)
	defer ctx.Cancel()

	ctx.ClientID = r.Header.Get("X-Client-ID")
	ctx.Transport = pipeline.TransportREST
	ctx.Method = r.Method
	ctx.Path = r.URL.Path
	ctx.Query = r.URL.Query()
	ctx.Headers = r.Header
	ctx.RawPayload = body

	sink := &chunkedSink{w: w}
	ctx.Sink = sink

	start := time.Now()
	runErr := s.pipeline.Run(ctx)
	s.record(r.Method, r.URL.Path, runErr, time.Since(start))

	if runErr != nil {
		writeError(w, runErr)
		return
	}

	envelope, hasEnvelope := ctx.Get("response_envelope")
	if hasEnvelope {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(envelope.([]byte))
		return
	}
	writeJSON(w, http.StatusOK, ctx.ResponsePayload)
}

func (s *Server) record(method, path string, runErr error, dur time.Duration) {
	if s.recorder == nil {
		return
	}
	status := "ok"
	if runErr != nil {
		status = string(errs.Classify(runErr).Kind)
	}
	s.recorder.Observe("rest", method, path, status, dur)
}

// chunkedSink adapts streaming.Sink onto an http.ResponseWriter using
// Transfer-Encoding: chunked, per spec §4.11.
type chunkedSink struct {
	w           http.ResponseWriter
	wroteHeader bool
}

func (c *chunkedSink) Write(frame []byte) error {
	if !c.wroteHeader {
		c.w.Header().Set("Content-Type", "application/x-ndjson")
		c.w.Header().Set("Transfer-Encoding", "chunked")
		c.w.WriteHeader(http.StatusOK)
		c.wroteHeader = true
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte("\n")); err != nil {
		return err
	}
	if flusher, ok := c.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// WriteChunk satisfies pipeline.Sink by writing data as one line of the
// chunked body; seq and complete are not written.
func (c *chunkedSink) WriteChunk(seq int, data []byte, complete bool) error {
	return c.Write(data)
}

var _ streaming.Sink = (*chunkedSink)(nil)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	e := errs.Classify(err)
	if e.RetryAfterMS > 0 {
		w.Header().Set("Retry-After", time.Duration(e.RetryAfterMS*int64(time.Millisecond)).String())
	}
	body := map[string]any{
		"success": false,
		"error":   e.Body(),
	}
	writeJSON(w, e.HTTPStatus(), body)
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
