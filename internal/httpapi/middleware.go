package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// RequestIDHeader is echoed on every response, generated when absent.
const RequestIDHeader = "X-Request-ID"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get(RequestIDHeader),
		)
	})
}

// routeName labels metrics by the route template, not the raw URL, so
// series stay bounded. Unmatched requests collapse into one label.
func (s *Server) routeName(r *http.Request) string {
	var m mux.RouteMatch
	if s.mux != nil && s.mux.Match(r, &m) && m.Route != nil {
		if tpl, err := m.Route.GetPathTemplate(); err == nil {
			return r.Method + " " + tpl
		}
	}
	return r.Method + " unmatched"
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		done := s.metrics.Begin(r.Context(), s.routeName(r))
		next.ServeHTTP(rec, r)
		status := "ok"
		if rec.status >= 400 {
			status = statusKind(rec.status).String()
		}
		done(status)
	})
}

// statusKind maps a response status back to the taxonomy for metrics.
func statusKind(status int) errkind.Kind {
	switch status {
	case http.StatusBadRequest:
		return errkind.Invalid
	case http.StatusUnauthorized:
		return errkind.Unauthenticated
	case http.StatusForbidden:
		return errkind.Forbidden
	case http.StatusNotFound:
		return errkind.NotFound
	case http.StatusConflict:
		return errkind.Conflict
	case http.StatusGone:
		return errkind.Gone
	case http.StatusRequestEntityTooLarge:
		return errkind.TooLarge
	case http.StatusTooManyRequests:
		return errkind.TooMany
	case http.StatusNotImplemented:
		return errkind.Unimplemented
	default:
		return errkind.Internal
	}
}

// apiKey extracts the presented credential: Authorization bearer first,
// then the X-Api-Key header.
func apiKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && h[:len(prefix)] == prefix {
			return h[len(prefix):]
		}
		return h
	}
	return r.Header.Get("X-Api-Key")
}

// requireAdmin checks the process-wide admin secret.
func (s *Server) requireAdmin(r *http.Request) error {
	if !s.auth.IsAdminKey(apiKey(r)) {
		return errkind.New(errkind.Forbidden, "administrative credentials required")
	}
	return nil
}

// authorize validates the presented key against project, branch, and
// access mode. The admin secret passes every check.
func (s *Server) authorize(r *http.Request, project, branchID string, write bool) error {
	key := apiKey(r)
	if s.auth.IsAdminKey(key) {
		return nil
	}
	k, err := s.auth.Authenticate(r.Context(), key)
	if err != nil {
		return err
	}
	return auth.Authorize(k, project, branchID, write)
}

// branchVar normalizes the {b} path variable: `default` and empty mean
// main.
func branchVar(vars map[string]string) string {
	b := vars["b"]
	if types.IsMainBranch(b) {
		return types.MainBranchID
	}
	return b
}
