package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
)

func (s *Server) handlePrepareUpload(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		FileName string            `json:"file_name"`
		Tags     map[string]string `json:"tags,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.files.Prepare(p, body.FileName, body.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleUpload consumes a prepared upload session with the first part
// of a multipart body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.authorize(r, vars["p"], "", true); err != nil {
		writeError(w, err)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, errkind.New(errkind.Invalid, "multipart body required: %v", err))
		return
	}
	part, err := reader.NextPart()
	if err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, errkind.New(errkind.Invalid, "multipart body has no parts"))
			return
		}
		writeError(w, errkind.New(errkind.Invalid, "malformed multipart body: %v", err))
		return
	}
	defer part.Close()

	rec, err := s.files.Receive(r.Context(), vars["uk"], part)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleStageFile stages a raw request body directly, without an upload
// session. The file name comes from the `name` query parameter.
func (s *Server) handleStageFile(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, errkind.New(errkind.Invalid, "name query parameter is required"))
		return
	}
	rec, err := s.files.Stage(r.Context(), p, name, r.Header.Get("Content-Type"), nil, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")
	if project == "" {
		if err := s.requireAdmin(r); err != nil {
			writeError(w, err)
			return
		}
	} else if err := s.authorize(r, project, "", false); err != nil {
		writeError(w, err)
		return
	}
	f := catalog.FileFilter{
		ProjectID: project,
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	}
	if raw := q.Get("staged"); raw != "" {
		staged := raw == "true"
		f.Staged = &staged
	}
	if kind := q.Get("kind"); kind != "" {
		f.Tags = map[string]string{"kind": kind}
	}
	list, err := s.files.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// fileForRequest authorizes against the file's owning project before
// use.
func (s *Server) fileForRequest(w http.ResponseWriter, r *http.Request, write bool) (string, bool) {
	fid := mux.Vars(r)["fid"]
	rec, err := s.files.Get(r.Context(), fid)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if err := s.authorize(r, rec.ProjectID, "", write); err != nil {
		writeError(w, err)
		return "", false
	}
	return fid, true
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fid, ok := s.fileForRequest(w, r, false)
	if !ok {
		return
	}
	rec, err := s.files.Get(r.Context(), fid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fid, ok := s.fileForRequest(w, r, true)
	if !ok {
		return
	}
	if err := s.files.Delete(r.Context(), fid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	fid, ok := s.fileForRequest(w, r, false)
	if !ok {
		return
	}
	rec, reader, err := s.files.Open(r.Context(), fid)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()

	ct := rec.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

func (s *Server) handlePromoteFile(w http.ResponseWriter, r *http.Request) {
	fid, ok := s.fileForRequest(w, r, true)
	if !ok {
		return
	}
	rec, err := s.files.Promote(r.Context(), fid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
