package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/config"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/export"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/httpapi"
	"github.com/duckhouse/duckhouse/internal/idempotency"
	"github.com/duckhouse/duckhouse/internal/importer"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/logging"
	"github.com/duckhouse/duckhouse/internal/pgbridge"
	"github.com/duckhouse/duckhouse/internal/rpc"
	"github.com/duckhouse/duckhouse/internal/s3gate"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/sweeper"
	"github.com/duckhouse/duckhouse/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AdminKey == "" {
		return fmt.Errorf("DUCKHOUSE_ADMIN_KEY must be set")
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "duckhouse", Version); err != nil {
		log.Warn("telemetry init failed", "error", err)
	}
	defer telemetry.Shutdown(context.Background())

	// The catalog can be briefly locked by a previous instance draining.
	var cat *catalog.Catalog
	openPolicy := backoff.NewExponentialBackOff()
	openPolicy.MaxElapsedTime = 15 * time.Second
	err = backoff.Retry(func() error {
		var openErr error
		cat, openErr = catalog.Open(ctx, cfg.CatalogPath)
		return openErr
	}, backoff.WithContext(openPolicy, ctx))
	if err != nil {
		return err
	}
	defer cat.Close()

	lay := storage.Layout{
		Root:     cfg.DataRoot,
		SnapRoot: cfg.SnapshotRoot,
		FileRoot: cfg.FileRoot,
	}
	st := storage.New(lay, engine.New(cfg.EngineThreads, cfg.EngineMemoryMB),
		cat, locks.NewRegistry(), log)
	if err := st.InitRoot(); err != nil {
		return err
	}

	bm := branch.NewManager(st, cat, log)
	snaps := snapshot.NewEngine(st, cat, log)
	imp := importer.New(st, bm, log)
	exp := export.New(st, bm, cat, log)
	am := auth.NewManager(cat, cfg.AdminKey, log)
	files := filestore.New(lay, cat, cfg.MaxFileSize, log)
	wire := pgbridge.New(cat, st, cfg.WorkspaceConnCap, log)
	idem := idempotency.New(cat, cfg.IdempotencyTTL, log)
	metrics := telemetry.NewRequestMetrics()

	api := httpapi.New(st, bm, snaps, imp, exp, am, files, wire, cat, idem, metrics, log)
	api.SetSessionIdleTimeout(cfg.SessionIdleTimeout)
	api.SetTimeouts(cfg.OperationTimeout, cfg.ConnectionTimeout)
	if cfg.S3AccessKey != "" {
		api.SetS3Gateway(s3gate.New(files, am, st, cfg.S3AccessKey, cfg.S3SecretKey, log))
	}

	sw := sweeper.New(cat, files, snaps, cfg.SweepInterval, cfg.SessionIdleTimeout, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.ListenAndServe(ctx, cfg.ListenAddr()) })
	g.Go(func() error { return sw.Run(ctx) })
	if cfg.CommandAddr != "" {
		disp := rpc.NewDispatcher(metrics, log)
		rpc.NewHandlers(st, bm, snaps, imp, exp, am, files, wire, cat, log).Register(disp)
		srv := rpc.NewServer(disp, log)
		g.Go(func() error { return srv.ServeAddr(ctx, cfg.CommandAddr) })
	}

	log.Info("duckhouse started",
		"version", Version,
		"http_addr", cfg.ListenAddr(),
		"command_addr", cfg.CommandAddr,
		"data_root", cfg.DataRoot)
	return g.Wait()
}
