package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/packrat-io/packrat/pkg/auth"
	"github.com/packrat-io/packrat/pkg/metadata"
	"github.com/packrat-io/packrat/pkg/mirror"
)

// HTTPError is rendered by the top-level middleware as JSON
// {error, message}
type HTTPError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *HTTPError) Error() string {
	return e.Code + ": " + e.Message
}

func badRequest(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: "Bad Request", Message: message}
}

func unauthorized(message string) *HTTPError {
	return &HTTPError{Status: http.StatusUnauthorized, Code: "Unauthorized", Message: message}
}

func forbidden(message string) *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, Code: "Forbidden", Message: message}
}

func notFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: "Not Found", Message: message}
}

func tooManyRequests() *HTTPError {
	return &HTTPError{Status: http.StatusTooManyRequests, Code: "Too Many Requests", Message: "Rate limit exceeded"}
}

func internal(message string) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Code: "Internal Server Error", Message: message}
}

// mapError folds domain sentinels into HTTP errors
func mapError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	switch {
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, mirror.ErrNotFound):
		return notFound("Package not found")
	case errors.Is(err, mirror.ErrUpstreamAuth):
		return unauthorized("auth_failed")
	case errors.Is(err, mirror.ErrUpstreamTimeout):
		return &HTTPError{Status: http.StatusGatewayTimeout, Code: "Gateway Timeout", Message: "Upstream timed out"}
	case errors.Is(err, mirror.ErrUpstreamUnavailable):
		return &HTTPError{Status: http.StatusServiceUnavailable, Code: "Service Unavailable", Message: "Upstream unreachable"}
	case errors.Is(err, mirror.ErrUpstreamFailed):
		return &HTTPError{Status: http.StatusBadGateway, Code: "Bad Gateway", Message: "Upstream fetch failed"}
	case errors.Is(err, auth.ErrExpiredToken):
		return unauthorized("Token expired")
	case errors.Is(err, auth.ErrNoCredentials):
		return unauthorized("Authentication required")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrSessionUnavailable):
		return unauthorized("Invalid token")
	}
	return internal("Something went wrong")
}

// writeError renders an error response. The request ID is echoed so
// clients can reference the structured log line.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := mapError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.Status)
	json.NewEncoder(w).Encode(httpErr)
}

// writeJSON renders a success response
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
