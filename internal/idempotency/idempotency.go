// Package idempotency deduplicates mutating HTTP requests by the
// caller-supplied X-Idempotency-Key header. A replayed request returns
// the cached status and body without re-entering the handler, so replays
// never contend for table locks.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Header names of the idempotency contract.
const (
	KeyHeader    = "X-Idempotency-Key"
	ReplayHeader = "X-Idempotency-Replay"
)

// DefaultTTL bounds how long a cached response replays.
const DefaultTTL = 600 * time.Second

// Middleware caches mutating responses in the catalog.
type Middleware struct {
	cat *catalog.Catalog
	ttl time.Duration
	log *slog.Logger
}

// New returns the middleware. A non-positive ttl falls back to the
// default 600 seconds.
func New(cat *catalog.Catalog, ttl time.Duration, log *slog.Logger) *Middleware {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Middleware{cat: cat, ttl: ttl, log: log}
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodDelete
}

// Wrap applies the idempotency contract around next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(KeyHeader)
		if key == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		bodyHash, restored, err := hashBody(r)
		if err != nil {
			http.Error(w, "unreadable request body", http.StatusBadRequest)
			return
		}
		r.Body = restored

		now := time.Now().UTC()
		cached, err := m.cat.GetIdempotencyEntry(r.Context(), key, now)
		if err != nil {
			m.log.Warn("idempotency lookup failed", "key", key, "error", err)
		}
		if cached != nil {
			m.serveCached(w, r, cached, bodyHash)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := &types.IdempotencyEntry{
			Key: key, Method: r.Method, Endpoint: r.URL.Path,
			BodyHash: bodyHash, Status: rec.status, Body: rec.body.Bytes(),
			CreatedAt: now, ExpiresAt: now.Add(m.ttl),
		}
		// Cache-write failures never fail the request.
		if err := m.cat.PutIdempotencyEntry(r.Context(), entry); err != nil {
			m.log.Warn("idempotency cache write failed", "key", key, "error", err)
		}
	})
}

func (m *Middleware) serveCached(w http.ResponseWriter, r *http.Request, e *types.IdempotencyEntry, bodyHash string) {
	if e.Method != r.Method || e.Endpoint != r.URL.Path ||
		(e.BodyHash != "" && bodyHash != "" && e.BodyHash != bodyHash) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "idempotency_conflict",
			"message": "idempotency key was used with a different method, endpoint, or body",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

func hashBody(r *http.Request) (string, io.ReadCloser, error) {
	if r.Body == nil {
		return "", http.NoBody, nil
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return "", nil, err
	}
	if len(raw) == 0 {
		return "", http.NoBody, nil
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), io.NopCloser(bytes.NewReader(raw)), nil
}

// recorder buffers the response body while passing it through, so a
// completed response can be persisted for replay.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
