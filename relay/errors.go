// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// APIError is a structured error response from the relay API.
// Callers extract it with errors.As:
//
//	var apiErr *relay.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == relay.ErrCodeNotFound { ... }
//	}
type APIError struct {
	// Code is the machine-readable error code from the response body.
	Code string `json:"code"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Error codes the relay API returns.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeInvalidParam = "INVALID_PARAM"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeRateLimited  = "RATE_LIMITED"
)

// IsAPIError reports whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
