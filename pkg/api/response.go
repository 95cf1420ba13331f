package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coldpoint/permafrost/pkg/storage"
)

// APIError is the JSON body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	status  int
}

func (e *APIError) Error() string { return e.Message }

func newAPIError(status int, code, message string) *APIError {
	return &APIError{Code: code, Message: message, status: status}
}

func badRequest(message string) *APIError {
	return newAPIError(http.StatusBadRequest, "bad_request", message)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// writeJSON writes v with the given status. Encoding failures at this
// point mean the response is already committed; they are logged and
// dropped.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

// writeError maps an error onto its HTTP status. Storage sentinels turn
// into their contract codes; everything else is logged and reported as
// an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, storage.ErrNotFound):
		apiErr = newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrClaimConflict):
		apiErr = newAPIError(http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, storage.ErrChecksumImmutable):
		apiErr = newAPIError(http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, storage.ErrBadPatch):
		apiErr = newAPIError(http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.log.Error().Err(err).Msg("internal error")
		apiErr = newAPIError(http.StatusInternalServerError, "internal", "internal server error")
	}
	s.writeJSON(w, apiErr.status, errorEnvelope{Error: apiErr})
}

// decodeJSON reads the request body into dst. The body is already
// capped by the limit middleware, so an over-size body surfaces here as
// *http.MaxBytesError.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return newAPIError(http.StatusRequestEntityTooLarge, "too_large", "request body exceeds limit")
		}
		return badRequest("malformed JSON body: " + err.Error())
	}
	return nil
}
