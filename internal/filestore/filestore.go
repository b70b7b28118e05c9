// Package filestore implements the three-stage file surface: prepare an
// upload session, receive the staged bytes, then promote the file to
// permanent content-addressed storage. Staged files and sessions expire;
// the sweeper reaps them.
package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Expiry defaults.
const (
	SessionTTL    = 1 * time.Hour
	StagedFileTTL = 24 * time.Hour
)

// UploadSession is one prepared upload. The map is process-local; entries
// expire lazily on lookup and are removed on finalization.
type UploadSession struct {
	UploadKey string            `json:"upload_key"`
	ProjectID string            `json:"project_id"`
	FileName  string            `json:"file_name"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Store manages staged and permanent files for all projects.
type Store struct {
	lay     storage.Layout
	cat     *catalog.Catalog
	maxSize int64
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*UploadSession
}

// New returns a file store. maxSize caps a single upload in bytes.
func New(lay storage.Layout, cat *catalog.Catalog, maxSize int64, log *slog.Logger) *Store {
	return &Store{
		lay: lay, cat: cat, maxSize: maxSize, log: log,
		sessions: make(map[string]*UploadSession),
	}
}

// Prepare opens an upload session and returns its key.
func (s *Store) Prepare(project, fileName string, tags map[string]string) (*UploadSession, error) {
	if fileName == "" {
		return nil, errkind.New(errkind.Invalid, "file name is required")
	}
	now := time.Now().UTC()
	sess := &UploadSession{
		UploadKey: uuid.NewString(),
		ProjectID: project, FileName: filepath.Base(fileName), Tags: tags,
		CreatedAt: now, ExpiresAt: now.Add(SessionTTL),
	}
	s.mu.Lock()
	s.sessions[sess.UploadKey] = sess
	s.mu.Unlock()
	return sess, nil
}

// session looks up an upload key, expiring lazily.
func (s *Store) session(key string) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "upload session %q not found", key)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		delete(s.sessions, key)
		return nil, errkind.New(errkind.Gone, "upload session %q has expired", key)
	}
	return sess, nil
}

// Receive streams one multipart part into staging and registers the
// staged file. The session is consumed on success.
func (s *Store) Receive(ctx context.Context, uploadKey string, part *multipart.Part) (*types.FileRecord, error) {
	sess, err := s.session(uploadKey)
	if err != nil {
		return nil, err
	}
	contentType := part.Header.Get("Content-Type")
	rec, err := s.stage(ctx, sess.ProjectID, sess.FileName, contentType, sess.Tags, part)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.sessions, uploadKey)
	s.mu.Unlock()
	return rec, nil
}

// Stage writes r into the project's staging area and registers it. Used
// directly by the S3 surface, which has no upload session.
func (s *Store) Stage(ctx context.Context, project, name, contentType string, tags map[string]string, r io.Reader) (*types.FileRecord, error) {
	return s.stage(ctx, project, filepath.Base(name), contentType, tags, r)
}

func (s *Store) stage(ctx context.Context, project, name, contentType string, tags map[string]string, r io.Reader) (*types.FileRecord, error) {
	dir := s.lay.StagingDir(project)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	id := uuid.NewString()
	relPath := filepath.Join("staging", id+"_"+name)
	absPath := filepath.Join(s.lay.ProjectFileDir(project), relPath)

	size, hash, err := s.writeCapped(absPath, r)
	if err != nil {
		_ = os.Remove(absPath)
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(StagedFileTTL)
	rec := &types.FileRecord{
		ID: id, ProjectID: project, Name: name, RelPath: relPath,
		SizeBytes: size, ContentHash: hash, ContentType: contentType,
		IsStaged: true, Tags: tags,
		CreatedAt: now, ExpiresAt: &expires,
	}
	if err := s.cat.CreateFile(ctx, rec); err != nil {
		_ = os.Remove(absPath)
		return nil, err
	}
	s.log.Info("file staged", "project", project, "file", id, "name", name, "bytes", size)
	return rec, nil
}

// writeCapped streams r to path, enforcing the size cap and computing
// the MD5 content hash on the way through.
func (s *Store) writeCapped(path string, r io.Reader) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, "", fmt.Errorf("create staged file: %w", err)
	}
	defer f.Close()

	h := md5.New()
	limited := r
	if s.maxSize > 0 {
		limited = io.LimitReader(r, s.maxSize+1)
	}
	size, err := io.Copy(io.MultiWriter(f, h), limited)
	if err != nil {
		return 0, "", fmt.Errorf("write staged file: %w", err)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return 0, "", errkind.New(errkind.TooLarge, "file exceeds the %d byte limit", s.maxSize)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// Promote moves a staged file into permanent dated storage.
func (s *Store) Promote(ctx context.Context, fileID string) (*types.FileRecord, error) {
	rec, err := s.cat.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !rec.IsStaged {
		return rec, nil
	}

	now := time.Now().UTC()
	relPath := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), rec.ID+"_"+rec.Name)
	oldAbs := s.AbsPath(rec)
	newAbs := filepath.Join(s.lay.ProjectFileDir(rec.ProjectID), relPath)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o750); err != nil {
		return nil, fmt.Errorf("create file directory: %w", err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return nil, fmt.Errorf("promote staged file: %w", err)
	}
	if err := s.cat.MarkFilePermanent(ctx, rec.ID, relPath); err != nil {
		// Move back so disk matches the catalog.
		_ = os.Rename(newAbs, oldAbs)
		return nil, err
	}
	rec.IsStaged = false
	rec.RelPath = relPath
	rec.ExpiresAt = nil
	s.log.Info("file promoted", "project", rec.ProjectID, "file", rec.ID)
	return rec, nil
}

// Get returns a file record.
func (s *Store) Get(ctx context.Context, fileID string) (*types.FileRecord, error) {
	return s.cat.GetFile(ctx, fileID)
}

// List returns file records through the catalog filter.
func (s *Store) List(ctx context.Context, f catalog.FileFilter) ([]*types.FileRecord, error) {
	return s.cat.ListFiles(ctx, f)
}

// Delete removes a file's bytes and its record.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	rec, err := s.cat.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(s.AbsPath(rec)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	if err := s.cat.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	s.log.Info("file deleted", "project", rec.ProjectID, "file", fileID)
	return nil
}

// Open streams a file's bytes from disk.
func (s *Store) Open(ctx context.Context, fileID string) (*types.FileRecord, io.ReadSeekCloser, error) {
	rec, err := s.cat.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.AbsPath(rec))
	if err != nil {
		return nil, nil, errkind.New(errkind.NotFound, "file %q data missing", fileID)
	}
	return rec, f, nil
}

// AbsPath resolves a record's on-disk location.
func (s *Store) AbsPath(rec *types.FileRecord) string {
	return filepath.Join(s.lay.ProjectFileDir(rec.ProjectID), rec.RelPath)
}

// Sweep removes expired staged files and expired upload sessions.
// Returns the number of files removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	for key, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()

	expired, err := s.cat.ListExpiredFiles(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range expired {
		if err := s.Delete(ctx, rec.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SessionCount reports live upload sessions, for observability.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
