// Package apierror provides a centralized error response format for the
// breaker daemon's HTTP surfaces. The admin API uses WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Daemon error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	BreakerNotFound   ErrorCode = "BREAKER_NOT_FOUND"
	CircuitOpen       ErrorCode = "BREAKER_CIRCUIT_OPEN"
	AuthMissingToken  ErrorCode = "BREAKER_AUTH_MISSING_TOKEN"
	AuthInvalidToken  ErrorCode = "BREAKER_AUTH_INVALID_TOKEN"
	Forbidden         ErrorCode = "BREAKER_FORBIDDEN"
	RateLimitExceeded ErrorCode = "BREAKER_RATE_LIMIT_EXCEEDED"
	InvalidRequest    ErrorCode = "BREAKER_INVALID_REQUEST"
	InternalError     ErrorCode = "BREAKER_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preBreakerNotFound   = mustMarshal(http.StatusNotFound, BreakerNotFound, "no such circuit breaker")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preForbidden         = mustMarshal(http.StatusForbidden, Forbidden, "client address not allowed")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == BreakerNotFound && status == http.StatusNotFound && message == "no such circuit breaker":
		return preBreakerNotFound
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == Forbidden && status == http.StatusForbidden && message == "client address not allowed":
		return preForbidden
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
