// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Callers wrap these with fmt.Errorf("%w: ...") and classify
// with errors.Is or CodeOf.
var (
	// ErrUnauthorized indicates a missing, invalid or expired credential, or an unresolved identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the resolved identity lacks entitlement to the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the resource is missing or soft-deleted.
	ErrNotFound = errors.New("not_found")

	// ErrInvalidRequest indicates malformed input, including unknown tool names.
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrUpstreamUnavailable indicates a required backend is not running.
	ErrUpstreamUnavailable = errors.New("upstream_unavailable")

	// ErrInternal indicates an unexpected failure.
	ErrInternal = errors.New("internal")
)

// Code is the taxonomy code of an error.
type Code string

// Taxonomy codes.
const (
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeInvalidRequest      Code = "invalid_request"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeInternal            Code = "internal"
)

// ReauthRequiredError means the user's delegated token for a backend cannot be
// used or refreshed. Callers use the fields to send the user through consent
// again, so it must reach them unwrapped.
type ReauthRequiredError struct {
	TokenID   string
	UserID    string
	BackendID string
}

func (e *ReauthRequiredError) Error() string {
	return fmt.Sprintf("re-authentication required for backend %s", e.BackendID)
}

// AsReauthRequired extracts a ReauthRequiredError from err.
func AsReauthRequired(err error) (*ReauthRequiredError, bool) {
	var reauth *ReauthRequiredError
	if errors.As(err, &reauth) {
		return reauth, true
	}
	return nil, false
}

// CodeOf classifies err into the taxonomy. Unclassified errors are internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	}
	if _, ok := AsReauthRequired(err); ok {
		return CodeUnauthorized
	}
	return CodeInternal
}

// HTTPStatus maps err to the status used for gateway-level responses.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message shown to callers for err. Internal errors are
// replaced with a generic message so details stay in the logs.
func PublicMessage(err error) string {
	if CodeOf(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
