// Package s3gate exposes staged files over an S3-compatible wire
// surface. Buckets map to projects (`project_<id>` or the bare id) and
// objects to staged file names, so S3 clients can drop import files and
// fetch exports without the JSON API.
package s3gate

import (
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Gateway serves the S3 subset: object CRUD plus ListObjectsV2.
type Gateway struct {
	files     *filestore.Store
	auth      *auth.Manager
	st        *storage.Storage
	accessKey string
	secretKey string
	log       *slog.Logger
}

// New returns the gateway. accessKey and secretKey are the static
// SigV4 credentials; bearer API keys work regardless.
func New(files *filestore.Store, am *auth.Manager, st *storage.Storage,
	accessKey, secretKey string, log *slog.Logger) *Gateway {
	return &Gateway{
		files: files, auth: am, st: st,
		accessKey: accessKey, secretKey: secretKey, log: log,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitPath(r.URL.Path)
	if bucket == "" {
		writeS3Error(w, r, errkind.New(errkind.Invalid, "bucket name is required"))
		return
	}
	project := strings.TrimPrefix(bucket, "project_")

	write := r.Method == http.MethodPut || r.Method == http.MethodDelete
	if err := g.authenticate(r, project, write); err != nil {
		writeS3Error(w, r, err)
		return
	}
	if _, err := g.st.GetProject(r.Context(), project); err != nil {
		writeS3Error(w, r, err)
		return
	}

	switch {
	case key == "" && r.Method == http.MethodGet:
		g.listObjects(w, r, bucket, project)
	case key == "":
		writeS3Error(w, r, errkind.New(errkind.Invalid, "unsupported bucket operation"))
	case r.Method == http.MethodPut:
		g.putObject(w, r, project, key)
	case r.Method == http.MethodGet:
		g.getObject(w, r, project, key, true)
	case r.Method == http.MethodHead:
		g.getObject(w, r, project, key, false)
	case r.Method == http.MethodDelete:
		g.deleteObject(w, r, project, key)
	default:
		writeS3Error(w, r, errkind.New(errkind.Invalid, "unsupported method %s", r.Method))
	}
}

// splitPath separates /<bucket>/<key...> into its two parts.
func splitPath(p string) (bucket, key string) {
	p = strings.TrimPrefix(p, "/")
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

// authenticate accepts, in order: a SigV4 Authorization header, a
// presigned query, or a bearer/X-Api-Key credential.
func (g *Gateway) authenticate(r *http.Request, project string, write bool) error {
	if strings.HasPrefix(r.Header.Get("Authorization"), sigAlgorithm) {
		sig, err := parseAuthorizationHeader(r)
		if err != nil {
			return err
		}
		return sig.verify(r, g.accessKey, g.secretKey, time.Now().UTC())
	}
	if r.URL.Query().Get("X-Amz-Signature") != "" {
		sig, err := parsePresignedQuery(r.URL.Query())
		if err != nil {
			return err
		}
		return sig.verify(r, g.accessKey, g.secretKey, time.Now().UTC())
	}

	key := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(key, "Bearer "); ok {
		key = after
	}
	if key == "" {
		key = r.Header.Get("X-Api-Key")
	}
	if key == "" {
		return errkind.New(errkind.Unauthenticated, "missing credentials")
	}
	if g.auth.IsAdminKey(key) {
		return nil
	}
	k, err := g.auth.Authenticate(r.Context(), key)
	if err != nil {
		return err
	}
	return auth.Authorize(k, project, "", write)
}

// lookup resolves an object key to the project's newest file record with
// that name. Keys are a flat namespace over staged file names.
func (g *Gateway) lookup(r *http.Request, project, key string) (*types.FileRecord, error) {
	list, err := g.files.List(r.Context(), catalog.FileFilter{ProjectID: project})
	if err != nil {
		return nil, err
	}
	for _, rec := range list {
		if rec.Name == key {
			return rec, nil
		}
	}
	return nil, errkind.New(errkind.NotFound, "object %q not found", key)
}

func (g *Gateway) putObject(w http.ResponseWriter, r *http.Request, project, key string) {
	if strings.Contains(key, "/") {
		writeS3Error(w, r, errkind.New(errkind.Invalid, "object keys are a flat namespace"))
		return
	}
	rec, err := g.files.Stage(r.Context(), project, key, r.Header.Get("Content-Type"), nil, r.Body)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}
	g.log.Info("s3 object staged", "project", project, "key", key, "bytes", rec.SizeBytes)
	w.Header().Set("ETag", `"`+rec.ContentHash+`"`)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) getObject(w http.ResponseWriter, r *http.Request, project, key string, withBody bool) {
	rec, err := g.lookup(r, project, key)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}
	ct := rec.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("ETag", `"`+rec.ContentHash+`"`)
	w.Header().Set("Last-Modified", rec.CreatedAt.UTC().Format(http.TimeFormat))
	if !withBody {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, reader, err := g.files.Open(r.Context(), rec.ID)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}
	defer reader.Close()
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

func (g *Gateway) deleteObject(w http.ResponseWriter, r *http.Request, project, key string) {
	rec, err := g.lookup(r, project, key)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}
	if err := g.files.Delete(r.Context(), rec.ID); err != nil {
		writeS3Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listBucketResult is the ListObjectsV2 response document.
type listBucketResult struct {
	XMLName               xml.Name  `xml:"ListBucketResult"`
	Name                  string    `xml:"Name"`
	Prefix                string    `xml:"Prefix"`
	KeyCount              int       `xml:"KeyCount"`
	MaxKeys               int       `xml:"MaxKeys"`
	IsTruncated           bool      `xml:"IsTruncated"`
	Contents              []s3entry `xml:"Contents"`
	NextContinuationToken string    `xml:"NextContinuationToken,omitempty"`
}

type s3entry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

const listMaxKeys = 1000

func (g *Gateway) listObjects(w http.ResponseWriter, r *http.Request, bucket, project string) {
	q := r.URL.Query()
	if q.Get("list-type") != "2" {
		writeS3Error(w, r, errkind.New(errkind.Invalid, "only list-type=2 is supported"))
		return
	}
	prefix := q.Get("prefix")
	after := q.Get("continuation-token")
	maxKeys := listMaxKeys
	if raw := q.Get("max-keys"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < listMaxKeys {
			maxKeys = n
		}
	}

	list, err := g.files.List(r.Context(), catalog.FileFilter{ProjectID: project})
	if err != nil {
		writeS3Error(w, r, err)
		return
	}
	entries := make([]s3entry, 0, len(list))
	for _, rec := range list {
		if !strings.HasPrefix(rec.Name, prefix) {
			continue
		}
		entries = append(entries, s3entry{
			Key:          rec.Name,
			LastModified: rec.CreatedAt.UTC().Format(time.RFC3339),
			ETag:         `"` + rec.ContentHash + `"`,
			Size:         rec.SizeBytes,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	// The continuation token is the last key of the previous page.
	start := 0
	if after != "" {
		for i, e := range entries {
			if e.Key > after {
				start = i
				break
			}
			start = len(entries)
		}
	}
	page := entries[start:]
	truncated := len(page) > maxKeys
	if truncated {
		page = page[:maxKeys]
	}

	res := listBucketResult{
		Name: bucket, Prefix: prefix,
		KeyCount: len(page), MaxKeys: maxKeys, IsTruncated: truncated,
		Contents: page,
	}
	if truncated {
		res.NextContinuationToken = page[len(page)-1].Key
	}
	writeS3XML(w, http.StatusOK, res)
}
