package s3gate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/storage"
)

const (
	testAdminKey = "admin-secret-for-tests"
	testS3Access = "AKDUCKHOUSE0000000"
	testS3Secret = "s3-signing-secret"
)

func newGateway(t *testing.T) *Gateway {
	t.Helper()
	root := t.TempDir()
	lay := storage.Layout{
		Root:     filepath.Join(root, "data"),
		SnapRoot: filepath.Join(root, "snapshots"),
		FileRoot: filepath.Join(root, "files"),
	}
	cat, err := catalog.Open(context.Background(), filepath.Join(root, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	log := slog.New(slog.DiscardHandler)
	st := storage.New(lay, engine.New(0, 0), cat, locks.NewRegistry(), log)
	require.NoError(t, st.InitRoot())
	_, err = st.CreateProject(context.Background(), "p1", "Project One", nil)
	require.NoError(t, err)

	am := auth.NewManager(cat, testAdminKey, log)
	files := filestore.New(lay, cat, 0, log)
	return New(files, am, st, testS3Access, testS3Secret, log)
}

func bearer(r *http.Request, key string) { r.Header.Set("Authorization", "Bearer "+key) }

func doReq(g *Gateway, method, target, body string, decorate func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if decorate != nil {
		decorate(r)
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)
	return w
}

// signV4 header-signs r the way an S3 client would.
func signV4(r *http.Request, accessKey, secret string, at time.Time) {
	amzDate := at.UTC().Format(amzDateFormat)
	r.Header.Set("X-Amz-Date", amzDate)
	r.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	scope := scopeFor(at)
	sig := &sigV4Request{
		accessKeyID:   accessKey,
		scope:         scope,
		signedHeaders: []string{"host", "x-amz-date"},
		amzDate:       amzDate,
		payloadHash:   unsignedPayload,
	}
	signature := hmacHex(signingKey(secret, scope), sig.stringToSign(r))
	r.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=host;x-amz-date, Signature=%s",
		sigAlgorithm, accessKey, scope, signature))
}

// presign adds presigned-query credentials to r's URL.
func presign(r *http.Request, accessKey, secret string, at time.Time, expires int) {
	amzDate := at.UTC().Format(amzDateFormat)
	scope := scopeFor(at)
	q := r.URL.Query()
	q.Set("X-Amz-Algorithm", sigAlgorithm)
	q.Set("X-Amz-Credential", accessKey+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprint(expires))
	q.Set("X-Amz-SignedHeaders", "host")
	r.URL.RawQuery = q.Encode()

	sig := &sigV4Request{
		accessKeyID:   accessKey,
		scope:         scope,
		signedHeaders: []string{"host"},
		amzDate:       amzDate,
		payloadHash:   unsignedPayload,
		presigned:     true,
		expires:       time.Duration(expires) * time.Second,
	}
	q.Set("X-Amz-Signature", hmacHex(signingKey(secret, scope), sig.stringToSign(r)))
	r.URL.RawQuery = q.Encode()
}

func TestObjectLifecycleWithBearerKey(t *testing.T) {
	g := newGateway(t)
	body := "id,payload\n1,a\n"
	sum := md5.Sum([]byte(body))
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	w := doReq(g, http.MethodPut, "/project_p1/data.csv", body,
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, etag, w.Header().Get("ETag"))

	w = doReq(g, http.MethodGet, "/project_p1/data.csv", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())
	assert.Equal(t, etag, w.Header().Get("ETag"))

	// HEAD returns the same headers without a body, and the bare
	// project id works as the bucket name.
	w = doReq(g, http.MethodHead, "/p1/data.csv", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fmt.Sprint(len(body)), w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.String())

	w = doReq(g, http.MethodDelete, "/project_p1/data.csv", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doReq(g, http.MethodGet, "/project_p1/data.csv", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	assert.Equal(t, http.StatusNotFound, w.Code)
	var e s3Error
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, "NoSuchKey", e.Code)
}

func TestSigV4HeaderAuth(t *testing.T) {
	g := newGateway(t)
	now := time.Now()

	w := doReq(g, http.MethodPut, "/project_p1/signed.csv", "x,y\n",
		func(r *http.Request) { signV4(r, testS3Access, testS3Secret, now) })
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doReq(g, http.MethodPut, "/project_p1/signed.csv", "x,y\n",
		func(r *http.Request) { signV4(r, testS3Access, "wrong-secret", now) })
	assert.Equal(t, http.StatusForbidden, w.Code)
	var e s3Error
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, "AccessDenied", e.Code)

	w = doReq(g, http.MethodPut, "/project_p1/signed.csv", "x,y\n",
		func(r *http.Request) { signV4(r, "AKUNKNOWN", testS3Secret, now) })
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPresignedURL(t *testing.T) {
	g := newGateway(t)
	w := doReq(g, http.MethodPut, "/project_p1/pre.csv", "a\n",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusOK, w.Code)

	w = doReq(g, http.MethodGet, "/project_p1/pre.csv", "",
		func(r *http.Request) { presign(r, testS3Access, testS3Secret, time.Now(), 300) })
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "a\n", w.Body.String())

	// A signature whose validity window has passed is refused.
	w = doReq(g, http.MethodGet, "/project_p1/pre.csv", "",
		func(r *http.Request) { presign(r, testS3Access, testS3Secret, time.Now().Add(-time.Hour), 60) })
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Tampering with the signed query invalidates the signature.
	w = doReq(g, http.MethodGet, "/project_p1/pre.csv", "",
		func(r *http.Request) {
			presign(r, testS3Access, testS3Secret, time.Now(), 300)
			r.URL.RawQuery += "&extra=1"
		})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListObjectsV2(t *testing.T) {
	g := newGateway(t)
	for _, name := range []string{"a.csv", "b.csv", "exports/skip", "c.parquet"} {
		if strings.Contains(name, "/") {
			w := doReq(g, http.MethodPut, "/project_p1/"+name, "x",
				func(r *http.Request) { bearer(r, testAdminKey) })
			assert.Equal(t, http.StatusBadRequest, w.Code, "keys with slashes are refused")
			continue
		}
		w := doReq(g, http.MethodPut, "/project_p1/"+name, "x",
			func(r *http.Request) { bearer(r, testAdminKey) })
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := doReq(g, http.MethodGet, "/project_p1/?list-type=2", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res listBucketResult
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "project_p1", res.Name)
	assert.Equal(t, 3, res.KeyCount)
	assert.False(t, res.IsTruncated)

	// Prefix narrows, max-keys pages, continuation resumes.
	w = doReq(g, http.MethodGet, "/project_p1/?list-type=2&prefix=a", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, 1, res.KeyCount)
	assert.Equal(t, "a.csv", res.Contents[0].Key)

	w = doReq(g, http.MethodGet, "/project_p1/?list-type=2&max-keys=2", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.IsTruncated)
	require.Equal(t, 2, res.KeyCount)
	token := res.NextContinuationToken
	require.NotEmpty(t, token)

	w = doReq(g, http.MethodGet, "/project_p1/?list-type=2&max-keys=2&continuation-token="+token, "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.IsTruncated)
	assert.Equal(t, 1, res.KeyCount)

	// Listing without list-type=2 is not part of the subset.
	w = doReq(g, http.MethodGet, "/project_p1/", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScopedKeysAndUnknownBucket(t *testing.T) {
	g := newGateway(t)

	w := doReq(g, http.MethodPut, "/project_p1/x.csv", "x", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "missing credentials are refused")

	w = doReq(g, http.MethodPut, "/project_nope/x.csv", "x",
		func(r *http.Request) { bearer(r, testAdminKey) })
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doReq(g, http.MethodGet, "/", "",
		func(r *http.Request) { bearer(r, testAdminKey) })
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
