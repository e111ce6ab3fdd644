package api

import (
	"errors"
	"fmt"
)

// ErrAuthFailure marks responses that mean the session is no longer valid.
// The client clears the stored token and fires the logout hook before
// returning it, so callers only ever see it after the global handling ran.
var ErrAuthFailure = errors.New("not authenticated")

// Error is a non-2xx response from the Messaging API.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Detail)
}

// Backend markers on 403 responses that mean "not authenticated" rather than
// "forbidden". Must match the backend's strings exactly.
const (
	detailInvalidCredentials = "Could not validate credentials"
	detailNotAuthenticated   = "Not authenticated"
)

// isAuthFailure reports whether a status/detail pair requires forced logout.
func isAuthFailure(status int, detail string) bool {
	if status == 401 {
		return true
	}
	return status == 403 && (detail == detailInvalidCredentials || detail == detailNotAuthenticated)
}
