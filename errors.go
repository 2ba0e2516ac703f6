package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionExpired is returned when a request needed a renewal and the renewal failed.
// By the time it is returned the session has been cleared.
var ErrSessionExpired = errors.New("console: session expired, please sign in again")

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("console: api error (%d): %s", e.Status, e.Message)
}

// IsAuth reports whether the status means the credentials were rejected.
func (e *APIError) IsAuth() bool {
	return IsAuthStatus(e.Status)
}

// IsAuthStatus reports whether status is 401 or 403. These are the only
// statuses that trigger a renewal.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Message extracts the user-facing text of err: the server message for an
// *APIError, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, ErrSessionExpired) {
		return "Session expired. Please sign in again."
	}
	return err.Error()
}

// ResponseMessage picks the message of a failed response: the envelope
// "message" field, else the raw body, else the status text.
func ResponseMessage(body []byte, status int) string {
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		return env.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}
