package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
)

// writeJSON encodes v with the given status. Encoding failures after the
// header is out can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error-kind taxonomy onto HTTP statuses. Internal
// details never reach the client; the raw error is logged server-side.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.KindOf(err)
	status := statusForKind(kind)

	message := err.Error()
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Str("method", r.Method).Msg("Request error")
		message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}

	writeErrorResponse(w, status, string(kind), message, nil)
}

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindPermissionDenied:
		return http.StatusForbidden
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindOverloaded, errors.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody unmarshals a JSON request body into dst, capped at 1 MiB.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_body",
			"invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed",
		"method not allowed", nil)
}

func notFound(w http.ResponseWriter) {
	writeErrorResponse(w, http.StatusNotFound, "not_found", "not found", nil)
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or unparseable.
func queryInt(r *http.Request, key string, def int) int {
	val := strings.TrimSpace(r.URL.Query().Get(key))
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return parsed
}

// queryTime parses an RFC 3339 or Unix-seconds query parameter.
func queryTime(r *http.Request, key string) *time.Time {
	val := strings.TrimSpace(r.URL.Query().Get(key))
	if val == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return &t
	}
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

// shiftPath splits the first segment off a path: "a/b/c" -> ("a", "b/c").
func shiftPath(p string) (head, rest string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	if idx := strings.Index(p, "/"); idx >= 0 {
		return p[:idx], p[idx+1:]
	}
	return p, ""
}
