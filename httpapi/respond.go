package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/logging"
)

// ErrorResponse is the body of every failed request. Only the error kind is
// exposed; details are logged.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSONHandler is an HTTP handler that returns a value to encode as JSON, or an
// error to encode as an ErrorResponse.
type JSONHandler func(r *http.Request) (any, error)

func (fn JSONHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := fn(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(b, '\n'))
}

// writeError logs the full error on the request scope and responds with its
// reason.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logging.TrackError(r.Context(), err)
	writeJSON(w, errors.HTTPStatusCode(err), ErrorResponse{
		Error: errors.Reason(err, "internal_error"),
	})
}
