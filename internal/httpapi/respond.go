package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/duckhouse/duckhouse/internal/errkind"
)

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// errorBody is the JSON error contract: {error, message, details?}.
type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errkind.Of(err)
	writeJSON(w, kind.HTTPStatus(), errorBody{
		Error:   kind.String(),
		Message: err.Error(),
	})
}

// readBody returns the raw request body, bounded only by the server's
// transport limits.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errkind.New(errkind.Invalid, "unreadable request body: %v", err)
	}
	return raw, nil
}

// decodeBody parses a JSON request body into v. An empty body leaves v
// at its zero value.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errkind.New(errkind.Invalid, "malformed request body: %v", err)
	}
	return nil
}
