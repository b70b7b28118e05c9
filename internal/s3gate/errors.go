package s3gate

import (
	"encoding/xml"
	"net/http"

	"github.com/duckhouse/duckhouse/internal/errkind"
)

// s3Error is the S3 error document.
type s3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

// s3Code maps the error taxonomy onto S3 error codes. S3 reports all
// credential failures as AccessDenied with status 403.
func s3Code(kind errkind.Kind) (string, int) {
	switch kind {
	case errkind.Invalid:
		return "InvalidRequest", http.StatusBadRequest
	case errkind.Unauthenticated, errkind.Forbidden:
		return "AccessDenied", http.StatusForbidden
	case errkind.NotFound:
		return "NoSuchKey", http.StatusNotFound
	case errkind.Conflict:
		return "OperationAborted", http.StatusConflict
	case errkind.TooLarge:
		return "EntityTooLarge", http.StatusRequestEntityTooLarge
	default:
		return "InternalError", http.StatusInternalServerError
	}
}

func writeS3Error(w http.ResponseWriter, r *http.Request, err error) {
	code, status := s3Code(errkind.Of(err))
	writeS3XML(w, status, s3Error{
		Code: code, Message: err.Error(), Resource: r.URL.Path,
	})
}

func writeS3XML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}
