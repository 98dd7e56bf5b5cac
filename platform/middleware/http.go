// Package middleware provides the HTTP middleware and error responses of
// the serve entry point.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				WriteJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				WriteJSONError(w, http.StatusForbidden, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorStatus maps a handler error to an HTTP status code.
func ErrorStatus(err error) int {
	var (
		invalid  *platform.InvalidRequestTypeError
		missing  *platform.MissingPropertyError
		noID     *platform.MissingPhysicalIDError
		inUse    *platform.VolumeInUseError
		conflict *platform.LockConflictError
		zone     *platform.AvailabilityZoneMismatchError
		resolve  *platform.InstanceResolutionError
		failed   *platform.AutomationFailedError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &missing), errors.As(err, &noID):
		return http.StatusBadRequest
	case errors.As(err, &inUse), errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &zone), errors.As(err, &resolve), errors.As(err, &failed):
		return http.StatusUnprocessableEntity
	case platform.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// errorResponse is the JSON structure returned for failures.
type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteJSONError writes a structured JSON error response.
func WriteJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
