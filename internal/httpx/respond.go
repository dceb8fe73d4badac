// Package httpx holds the JSON response helpers shared by the core routes
// and the plugin routes.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
)

// MaxBodyBytes caps request bodies decoded by DecodeJSON.
const MaxBodyBytes = 1 << 20

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Detail writes {"detail": msg}.
func Detail(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Detail: msg})
}

// WriteError renders err by kind. Fatal and untyped errors are logged with
// their cause and rendered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := auth.HTTPStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	Detail(w, status, auth.MessageOf(err))
}

// DecodeJSON decodes the request body into v. Unknown fields are allowed;
// an empty or malformed body is an InvalidRequest error.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return auth.InvalidRequest("Request body is required", err)
		}
		return auth.InvalidRequest("Request body must be valid JSON", err)
	}
	return nil
}
