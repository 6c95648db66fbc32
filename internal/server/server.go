// Package server exposes one replicated record-store node over HTTP so that
// a remote harness can read its role and progress and drive writes to it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/corvohq/replbench/internal/raft"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// maxBatchBody bounds a single batch request.
const maxBatchBody = 64 << 20

// Backend is the node the server fronts.
type Backend interface {
	Status() raft.Status
	ApplyBatch(ctx context.Context, docs [][]byte) (int, error)
	AddVoter(nodeID, addr string) error
	LeaderID() string
}

// Options configures the HTTP server.
type Options struct {
	Addr string
	// JWTSecret enables HS256 bearer auth on the API when non-empty.
	JWTSecret string
	// H2C serves HTTP/2 without TLS alongside HTTP/1.1.
	H2C bool
}

// Server is the HTTP server for one node.
type Server struct {
	node       Backend
	opts       Options
	httpServer *http.Server
	router     chi.Router
	metrics    *metrics
}

// New creates a new Server.
func New(node Backend, opts Options) *Server {
	srv := &Server{node: node, opts: opts, metrics: newMetrics(node)}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.JWTSecret != "" {
			r.Use(jwtAuth([]byte(s.opts.JWTSecret)))
		}
		r.Get("/node/status", s.handleStatus)
		r.Post("/records/batch", s.handleBatch)
		r.Post("/cluster/join", s.handleJoin)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr, "h2c", s.opts.H2C, "auth", s.opts.JWTSecret != "")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler, wrapped for h2c when enabled.
func (s *Server) Handler() http.Handler {
	if s.opts.H2C {
		return h2c.NewHandler(s.router, &http2.Server{})
	}
	return s.router
}

// BatchRequest carries the documents of one write batch.
type BatchRequest struct {
	Documents []json.RawMessage `json:"documents"`
}

// BatchResponse reports how many records the primary applied.
type BatchResponse struct {
	Records int `json:"records"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBatchBody), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch body: "+err.Error(), "BAD_REQUEST")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "batch has no documents", "BAD_REQUEST")
		return
	}
	docs := make([][]byte, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = d
	}
	start := time.Now()
	n, err := s.node.ApplyBatch(r.Context(), docs)
	s.metrics.observeBatch(time.Since(start), n, err)
	if err != nil {
		s.writeApplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Records: n})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req raft.JoinRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid join body: "+err.Error(), "BAD_REQUEST")
		return
	}
	if req.NodeID == "" || req.Addr == "" {
		writeError(w, http.StatusBadRequest, "node_id and addr are required", "BAD_REQUEST")
		return
	}
	if err := s.node.AddVoter(req.NodeID, req.Addr); err != nil {
		s.writeApplyError(w, err)
		return
	}
	slog.Info("node joined", "node_id", req.NodeID, "addr", req.Addr, "by", subjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) writeApplyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":     err.Error(),
			"code":      "NOT_LEADER",
			"leader_id": s.node.LeaderID(),
		})
	case errors.Is(err, raft.ErrNodeStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "STOPPED")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(body io.Reader, v any) error {
	return json.NewDecoder(body).Decode(v)
}

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"proto", r.Proto,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
