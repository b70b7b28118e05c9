// Package sweeper runs the periodic housekeeping pass: expired
// idempotency entries, expired staged files and upload sessions, expired
// snapshots, and stale wire sessions.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/snapshot"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = time.Minute

// Stats counts what one pass removed.
type Stats struct {
	IdempotencyEntries int `json:"idempotency_entries"`
	StagedFiles        int `json:"staged_files"`
	Snapshots          int `json:"snapshots"`
	WireSessions       int `json:"wire_sessions"`
}

func (s Stats) total() int {
	return s.IdempotencyEntries + s.StagedFiles + s.Snapshots + s.WireSessions
}

// Sweeper drives the expiry passes on an interval.
type Sweeper struct {
	cat         *catalog.Catalog
	files       *filestore.Store
	snap        *snapshot.Engine
	interval    time.Duration
	sessionIdle time.Duration
	log         *slog.Logger
}

// New returns a sweeper. Non-positive durations fall back to the
// defaults (one minute interval, 30 minute session idle window).
func New(cat *catalog.Catalog, files *filestore.Store, snap *snapshot.Engine,
	interval, sessionIdle time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sessionIdle <= 0 {
		sessionIdle = 30 * time.Minute
	}
	return &Sweeper{
		cat: cat, files: files, snap: snap,
		interval: interval, sessionIdle: sessionIdle, log: log,
	}
}

// Run sweeps on the configured interval until ctx is canceled. A failing
// pass is retried with exponential backoff before waiting for the next
// tick; persistent failures are logged and never stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			policy := backoff.WithContext(retryPolicy(), ctx)
			err := backoff.Retry(func() error {
				_, err := s.SweepOnce(ctx, time.Now().UTC())
				return err
			}, policy)
			if err != nil && ctx.Err() == nil {
				s.log.Error("sweep pass failed", "error", err)
			}
		}
	}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// SweepOnce runs a single pass over every expiry domain.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	var err error

	if st.IdempotencyEntries, err = s.cat.SweepIdempotencyEntries(ctx, now); err != nil {
		return st, err
	}
	if st.StagedFiles, err = s.files.Sweep(ctx, now); err != nil {
		return st, err
	}
	if st.Snapshots, err = s.snap.SweepExpired(ctx, now); err != nil {
		return st, err
	}
	if st.WireSessions, err = s.cat.SweepStaleSessions(ctx, now.Add(-s.sessionIdle)); err != nil {
		return st, err
	}

	if st.total() > 0 {
		s.log.Info("sweep pass completed",
			"idempotency_entries", st.IdempotencyEntries,
			"staged_files", st.StagedFiles,
			"snapshots", st.Snapshots,
			"wire_sessions", st.WireSessions)
	}
	return st, nil
}
