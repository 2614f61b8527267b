package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

const maxBodyBytes = 1 << 20

// response is the envelope of every JSON reply.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debug("write response failed", "error", err)
	}
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		logger.Warn("api request failed", "error", err)
	}
	writeJSON(w, code, response{Error: err.Error()})
}

// statusCode maps the forward error taxonomy to HTTP status codes.
func statusCode(err error) int {
	var (
		bindErr *forward.BindError
		cfgErr  *forward.ConfigError
	)
	switch {
	case forward.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &bindErr):
		return http.StatusConflict
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v, rejecting unknown fields. An empty
// body leaves v untouched when optional is set.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &forward.ConfigError{Msg: "invalid request body", Err: err}
	}
	if dec.More() {
		return forward.NewConfigError("invalid request body: trailing data")
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return forward.NewConfigError(fmt.Sprintf(format, args...))
}
