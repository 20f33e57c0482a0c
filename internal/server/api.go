// Package server runs the front door (relay plus admin API) and the
// per-alias listeners.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/analytics"
	"github.com/rsclarke/mcpgate/internal/api"
	"github.com/rsclarke/mcpgate/internal/audit"
	"github.com/rsclarke/mcpgate/internal/auth"
	"github.com/rsclarke/mcpgate/internal/fleet"
	"github.com/rsclarke/mcpgate/internal/inventory"
	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/proxy"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

type contextKey string

const (
	apiKeyPrefixContextKey contextKey = "apiKeyPrefix"
	requestIDContextKey    contextKey = "requestID"
)

// RequestIDHeader carries the per-request id set by the front door.
const RequestIDHeader = "X-Request-Id"

const graphPageSize = 200

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// Fleet is the part of the fleet controller the admin API drives.
type Fleet interface {
	Add(ctx context.Context, alias string, spec fleet.Spec) error
	Remove(ctx context.Context, alias string) (bool, error)
	Running() []fleet.Instance
}

// Inventory serves and invalidates fleet snapshots.
type Inventory interface {
	Snapshot(ctx context.Context) (*inventory.Snapshot, error)
	Invalidate(ctx context.Context)
}

// APIServer handles the admin API and mounts the relay beside it.
type APIServer struct {
	Fleet     Fleet
	Config    *fleet.ConfigStore
	Inventory Inventory
	Audit     audit.Store
	// Auth guards /gateway and /scan routes. Nil disables the check.
	Auth    *auth.Authenticator
	Relay   http.Handler
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// AuthMiddleware validates API key authentication for protected routes.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	if s.Auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, err := s.Auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyPrefixContextKey, prefix)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDMiddleware assigns every request an id, reusing a well-formed
// inbound one, and logs the outcome.
func (s *APIServer) RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestIDContextKey, id)))

		s.logger().Debug("request",
			logging.RequestID(id),
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(sw.status))
	})
}

// Handler returns the front door handler.
func (s *APIServer) Handler() http.Handler {
	admin := http.NewServeMux()
	admin.HandleFunc("POST /gateway/new", s.handleAddGateway)
	admin.HandleFunc("DELETE /gateway/delete/{alias}", s.handleDeleteGateway)
	admin.HandleFunc("GET /gateway/inventory", s.handleInventory)
	admin.HandleFunc("GET /scan/{id}/graphs", s.handleScanGraph)
	admin.HandleFunc("GET /scan/{id}/status", s.handleScanStatus)
	admin.HandleFunc("GET /scans/graphs", s.handleScansGraph)
	admin.HandleFunc("GET /scans/cursor", s.handleScansCursor)
	protected := s.AuthMiddleware(admin)

	mux := http.NewServeMux()
	mux.Handle("/gateway/", protected)
	mux.Handle("/scan/", protected)
	mux.Handle("/scans/", protected)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	if s.Relay != nil {
		mux.Handle("/v1/{alias}", s.Relay)
		mux.Handle("/v1/{alias}/{rest...}", s.Relay)
	}

	return s.RequestIDMiddleware(telemetry.WrapHandler("mcpgate.frontdoor", mux))
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if s.Fleet != nil {
		n = len(s.Fleet.Running())
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Listeners: n})
}

func (s *APIServer) handleAddGateway(w http.ResponseWriter, r *http.Request) {
	var req api.AddGatewayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ValidAlias(req.Alias); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	if _, err := proxy.ParseBackend(req.Config); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	log := s.logger().With(logging.Alias(req.Alias), logging.RequestID(RequestID(r.Context())))

	if err := s.Config.Put(req.Alias, req.Config); err != nil {
		log.Error("persist gateway config failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "failed to persist config"})
		return
	}

	err := s.Fleet.Add(r.Context(), req.Alias, req.Config)
	s.invalidate(r.Context())
	if err != nil {
		log.Warn("gateway start failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error()})
		return
	}

	resp := api.AddGatewayResponse{Alias: req.Alias}
	for _, inst := range s.Fleet.Running() {
		if inst.Alias == req.Alias {
			resp.Port = inst.Port
			resp.Running = true
		}
	}
	log.Info("gateway added", logging.Port(resp.Port))
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")
	log := s.logger().With(logging.Alias(alias), logging.RequestID(RequestID(r.Context())))

	configured, err := s.Config.Delete(alias)
	if err != nil {
		log.Error("persist gateway config failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "failed to persist config"})
		return
	}

	running, err := s.Fleet.Remove(r.Context(), alias)
	s.invalidate(r.Context())
	if err != nil {
		// The listener was force-closed; the alias is gone either way.
		log.Warn("gateway stop failed", zap.Error(err))
	}

	if !configured && !running {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "gateway not found"})
		return
	}
	log.Info("gateway removed")
	writeJSON(w, http.StatusOK, api.DeleteGatewayResponse{Alias: alias, Removed: true})
}

func (s *APIServer) invalidate(ctx context.Context) {
	if s.Inventory != nil {
		s.Inventory.Invalidate(context.WithoutCancel(ctx))
	}
}

func (s *APIServer) handleInventory(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Inventory.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "inventory unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *APIServer) getScan(w http.ResponseWriter, r *http.Request) (*audit.Record, bool) {
	rec, err := s.Audit.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, audit.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "scan not found"})
		return nil, false
	}
	if err != nil {
		s.logger().Error("get scan failed", logging.ScanID(r.PathValue("id")), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return nil, false
	}
	return rec, true
}

func (s *APIServer) handleScanGraph(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getScan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, analytics.Detail(rec))
}

func (s *APIServer) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.getScan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, audit.StatusOf(rec))
}

func (s *APIServer) handleScansGraph(w http.ResponseWriter, r *http.Request) {
	g, err := analytics.FromStore(r.Context(), s.Audit, graphPageSize)
	if err != nil {
		s.logger().Error("aggregate scans failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *APIServer) handleScansCursor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	page, err := s.Audit.List(r.Context(), q.Get("cursor"), limit)
	if errors.Is(err, audit.ErrInvalidCursor) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid cursor"})
		return
	}
	if err != nil {
		s.logger().Error("list scans failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}

	resp := api.ScanPage{Items: make([]api.ScanItem, 0, len(page.Records)), HasMore: page.HasMore}
	for i := range page.Records {
		resp.Items = append(resp.Items, api.NewScanItem(&page.Records[i]))
	}
	if page.NextCursor != "" {
		c := page.NextCursor
		resp.NextCursor = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeJSON reads a single JSON object into v, writing the error response
// itself when it fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON"})
		return false
	}
	// Ensure no trailing data
	if dec.Decode(&struct{}{}) != io.EOF {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "unexpected trailing data"})
		return false
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
