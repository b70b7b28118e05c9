package idempotency

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/catalog"
)

func newHandler(t *testing.T) (http.Handler, *atomic.Int64) {
	t.Helper()
	cat, err := catalog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	var calls atomic.Int64
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p1"}`))
	})
	m := New(cat, 0, slog.New(slog.DiscardHandler))
	return m.Wrap(inner), &calls
}

func do(h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set(KeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReplayIdenticalRequest(t *testing.T) {
	h, calls := newHandler(t)

	first := do(h, http.MethodPost, "/projects", "k1", `{"id":"p1"}`)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(ReplayHeader))

	second := do(h, http.MethodPost, "/projects", "k1", `{"id":"p1"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayHeader))
	assert.Equal(t, int64(1), calls.Load(), "handler ran once")
}

func TestMismatchConflicts(t *testing.T) {
	h, calls := newHandler(t)

	do(h, http.MethodPost, "/projects", "k1", `{"id":"p1"}`)

	byBody := do(h, http.MethodPost, "/projects", "k1", `{"id":"p1","name":"X"}`)
	assert.Equal(t, http.StatusConflict, byBody.Code)
	assert.Contains(t, byBody.Body.String(), "idempotency_conflict")

	byMethod := do(h, http.MethodDelete, "/projects", "k1", `{"id":"p1"}`)
	assert.Equal(t, http.StatusConflict, byMethod.Code)

	byPath := do(h, http.MethodPost, "/buckets", "k1", `{"id":"p1"}`)
	assert.Equal(t, http.StatusConflict, byPath.Code)

	assert.Equal(t, int64(1), calls.Load(), "mismatches never re-execute")
}

func TestNoKeyNoCaching(t *testing.T) {
	h, calls := newHandler(t)

	do(h, http.MethodPost, "/projects", "", `{"id":"p1"}`)
	do(h, http.MethodPost, "/projects", "", `{"id":"p1"}`)
	assert.Equal(t, int64(2), calls.Load())
}

func TestReadsBypassCache(t *testing.T) {
	h, calls := newHandler(t)

	do(h, http.MethodGet, "/projects", "k1", "")
	do(h, http.MethodGet, "/projects", "k1", "")
	assert.Equal(t, int64(2), calls.Load())
}

func TestExpiredEntryBehavesAbsent(t *testing.T) {
	cat, err := catalog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	var calls atomic.Int64
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	m := New(cat, time.Nanosecond, slog.New(slog.DiscardHandler))
	h := m.Wrap(inner)

	do(h, http.MethodPost, "/projects", "k1", `{}`)
	time.Sleep(5 * time.Millisecond)
	resp := do(h, http.MethodPost, "/projects", "k1", `{}`)
	assert.Empty(t, resp.Header().Get(ReplayHeader))
	assert.Equal(t, int64(2), calls.Load())
}
