// Package httpapi is the HTTP façade over the command set. Each
// endpoint corresponds to one command; URLs encode project, branch,
// bucket, table, and resource ids, with `default` as the sentinel
// branch id for main.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/export"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/idempotency"
	"github.com/duckhouse/duckhouse/internal/importer"
	"github.com/duckhouse/duckhouse/internal/pgbridge"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/telemetry"
)

// Server is the HTTP façade.
type Server struct {
	st      *storage.Storage
	br      *branch.Manager
	snap    *snapshot.Engine
	imp     *importer.Importer
	exp     *export.Exporter
	auth    *auth.Manager
	files   *filestore.Store
	wire    *pgbridge.Bridge
	cat     *catalog.Catalog
	idem    *idempotency.Middleware
	metrics *telemetry.RequestMetrics
	log     *slog.Logger

	mux         *mux.Router
	s3          http.Handler
	sessionIdle time.Duration
	opTimeout   time.Duration
	idleTimeout time.Duration
}

// New assembles the façade from the domain services.
func New(st *storage.Storage, br *branch.Manager, snap *snapshot.Engine,
	imp *importer.Importer, exp *export.Exporter, am *auth.Manager,
	files *filestore.Store, wire *pgbridge.Bridge, cat *catalog.Catalog,
	idem *idempotency.Middleware, metrics *telemetry.RequestMetrics,
	log *slog.Logger) *Server {
	return &Server{
		st: st, br: br, snap: snap, imp: imp, exp: exp,
		auth: am, files: files, wire: wire, cat: cat,
		idem: idem, metrics: metrics, log: log,
		sessionIdle: 30 * time.Minute,
	}
}

// SetSessionIdleTimeout overrides the default idle window used by the
// pgwire session cleanup endpoint.
func (s *Server) SetSessionIdleTimeout(d time.Duration) {
	if d > 0 {
		s.sessionIdle = d
	}
}

// SetS3Gateway mounts an S3-compatible handler under /s3/.
func (s *Server) SetS3Gateway(h http.Handler) { s.s3 = h }

// SetTimeouts bounds request handling (op) and idle keep-alive
// connections (idle). Zero leaves either unbounded.
func (s *Server) SetTimeouts(op, idle time.Duration) {
	s.opTimeout, s.idleTimeout = op, idle
}

// withTimeout caps each request's context at the operation timeout.
func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Router builds the full route table with the middleware chain:
// request id → request log → metrics → idempotency → handler. Auth is
// enforced per handler because the required scope depends on the route.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, errkind.New(errkind.NotFound, "no such endpoint"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, errkind.New(errkind.Invalid, "method not allowed"))
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/backend/init", s.handleBackendInit).Methods(http.MethodPost)
	r.HandleFunc("/backend/remove", s.handleBackendRemove).Methods(http.MethodPost)

	r.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	r.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}", s.handleGetProject).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}", s.handleUpdateProject).Methods(http.MethodPut)
	r.HandleFunc("/projects/{p}", s.handleDeleteProject).Methods(http.MethodDelete)
	r.HandleFunc("/projects/{p}/stats", s.handleProjectStats).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/operations", s.handleListOperations).Methods(http.MethodGet)

	r.HandleFunc("/projects/{p}/branches/{b}/buckets", s.handleCreateBucket).Methods(http.MethodPost)
	r.HandleFunc("/projects/{p}/branches/{b}/buckets", s.handleListBuckets).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/branches/{b}/buckets/{bn}", s.handleGetBucket).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/branches/{b}/buckets/{bn}", s.handleDeleteBucket).Methods(http.MethodDelete)

	tables := "/projects/{p}/branches/{b}/buckets/{bn}/tables"
	r.HandleFunc(tables, s.handleCreateTable).Methods(http.MethodPost)
	r.HandleFunc(tables, s.handleListTables).Methods(http.MethodGet)
	r.HandleFunc(tables+"/{t}", s.handleDescribeTable).Methods(http.MethodGet)
	r.HandleFunc(tables+"/{t}", s.handleDeleteTable).Methods(http.MethodDelete)
	r.HandleFunc(tables+"/{t}/preview", s.handlePreviewTable).Methods(http.MethodGet)
	r.HandleFunc(tables+"/{t}/truncate", s.handleTruncateTable).Methods(http.MethodPost)
	r.HandleFunc(tables+"/{t}/rows", s.handleDeleteAllRows).Methods(http.MethodDelete)
	r.HandleFunc(tables+"/{t}/columns/{col}", s.handleDropColumn).Methods(http.MethodDelete)
	r.HandleFunc(tables+"/{t}/import/file", s.handleImportFile).Methods(http.MethodPost)
	r.HandleFunc(tables+"/{t}/export", s.handleExportTable).Methods(http.MethodPost)

	r.HandleFunc("/projects/{p}/branches", s.handleCreateBranch).Methods(http.MethodPost)
	r.HandleFunc("/projects/{p}/branches", s.handleListBranches).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/branches/{b}", s.handleGetBranch).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/branches/{b}", s.handleDeleteBranch).Methods(http.MethodDelete)
	r.HandleFunc("/projects/{p}/branches/{b}/tables/{bn}/{t}/pull", s.handlePullTable).Methods(http.MethodPost)

	snaps := "/projects/{p}/branches/default/snapshots"
	r.HandleFunc(snaps, s.handleCreateSnapshot).Methods(http.MethodPost)
	r.HandleFunc(snaps, s.handleListSnapshots).Methods(http.MethodGet)
	r.HandleFunc(snaps+"/{sid}", s.handleGetSnapshot).Methods(http.MethodGet)
	r.HandleFunc(snaps+"/{sid}", s.handleDeleteSnapshot).Methods(http.MethodDelete)
	r.HandleFunc(snaps+"/{sid}/restore", s.handleRestoreSnapshot).Methods(http.MethodPost)

	for _, p := range []string{
		"/projects/{p}/settings/snapshots",
		"/projects/{p}/buckets/{bn}/settings/snapshots",
		"/projects/{p}/buckets/{bn}/tables/{t}/settings/snapshots",
	} {
		r.HandleFunc(p, s.handleGetSnapshotSettings).Methods(http.MethodGet)
		r.HandleFunc(p, s.handlePutSnapshotSettings).Methods(http.MethodPut)
		r.HandleFunc(p, s.handleDeleteSnapshotSettings).Methods(http.MethodDelete)
	}

	r.HandleFunc("/projects/{p}/api-keys", s.handleCreateAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/projects/{p}/api-keys", s.handleListAPIKeys).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/api-keys/{kid}", s.handleGetAPIKey).Methods(http.MethodGet)
	r.HandleFunc("/projects/{p}/api-keys/{kid}", s.handleRevokeAPIKey).Methods(http.MethodDelete)
	r.HandleFunc("/projects/{p}/api-keys/{kid}/rotate", s.handleRotateAPIKey).Methods(http.MethodPost)

	r.HandleFunc("/projects/{p}/files/prepare", s.handlePrepareUpload).Methods(http.MethodPost)
	r.HandleFunc("/projects/{p}/files/upload/{uk}", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/projects/{p}/files", s.handleStageFile).Methods(http.MethodPost)
	r.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/{fid}", s.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{fid}", s.handleDeleteFile).Methods(http.MethodDelete)
	r.HandleFunc("/files/{fid}/download", s.handleDownloadFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{fid}/promote", s.handlePromoteFile).Methods(http.MethodPost)

	r.HandleFunc("/internal/pgwire/auth", s.handlePgwireAuth).Methods(http.MethodPost)
	r.HandleFunc("/internal/pgwire/workspaces", s.handlePgwireCreateWorkspace).Methods(http.MethodPost)
	r.HandleFunc("/internal/pgwire/sessions", s.handlePgwireCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/internal/pgwire/sessions", s.handlePgwireListSessions).Methods(http.MethodGet)
	r.HandleFunc("/internal/pgwire/sessions/cleanup", s.handlePgwireCleanup).Methods(http.MethodPost)
	r.HandleFunc("/internal/pgwire/sessions/{sid}/activity", s.handlePgwireActivity).Methods(http.MethodPatch)
	r.HandleFunc("/internal/pgwire/sessions/{sid}", s.handlePgwireCloseSession).Methods(http.MethodDelete)

	if s.s3 != nil {
		r.PathPrefix("/s3/").Handler(http.StripPrefix("/s3", s.s3))
	}

	s.mux = r
	var h http.Handler = r
	if s.opTimeout > 0 {
		h = s.withTimeout(h)
	}
	h = s.idem.Wrap(h)
	h = s.metricsMiddleware(h)
	h = s.accessLog(h)
	h = requestID(h)
	return h
}

// ListenAndServe runs the façade until ctx is canceled, then drains with
// a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.idleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
