package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limited")
)

const maxErrorBody = 512

// StatusError is a non-2xx response from a provider endpoint.
type StatusError struct {
	Status int
	Body   string
	kind   error
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

func (e *StatusError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.kind
}

// ClassifyStatus builds the error for a non-2xx status. 401 and 403 unwrap
// to ErrAuthentication, 429 to ErrRateLimited.
func ClassifyStatus(status int, body []byte) *StatusError {
	out := &StatusError{Status: status, Body: string(body)}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		out.kind = ErrAuthentication
	case http.StatusTooManyRequests:
		out.kind = ErrRateLimited
	}
	return out
}
