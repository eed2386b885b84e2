// Package apierr turns handler failures into the JSON error envelope returned
// to HTTP clients.
//
// Every failure is classified as exactly one of three kinds: a known *Error,
// which is rendered verbatim; a *ValidationError, rendered as 422 with the
// field violations as details; or anything else, which is rendered as a
// generic 500 while the underlying detail is only logged.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/livegate/internal/jsoncodec"
)

const (
	CodeInternal           = "internal_server_error"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeServiceUnavailable = "service_unavailable"
	CodeUnsupportedMedia   = "unsupported_media_type"
	CodeInvalidJSON        = "invalid_json"
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"

	messageInternal   = "Internal server error"
	messageValidation = "Validation error"
)

// Error is a failure the handler already knows how to describe to a client.
type Error struct {
	Status  int
	Message string
	Code    string
	Details any
}

func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// WithCode returns a copy of e carrying the machine readable code.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// FieldError is a single violation reported inside a ValidationError.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects input violations found while decoding a request.
type ValidationError struct {
	Errors []FieldError
}

// Add records a violation for field.
func (v *ValidationError) Add(field, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

// Err returns v when at least one violation was recorded and nil otherwise.
func (v *ValidationError) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, fe := range v.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Envelope is the JSON body of every error response.
type Envelope struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code,omitempty"`
	Details    any    `json:"details,omitempty"`
}

// Classify maps err to the envelope a client may see.
func Classify(err error) Envelope {
	env, _ := classify(err)
	return env
}

func classify(err error) (Envelope, bool) {
	var known *Error
	if errors.As(err, &known) {
		return Envelope{
			Message:    known.Message,
			StatusCode: known.Status,
			ErrorCode:  known.Code,
			Details:    known.Details,
		}, true
	}

	var invalid *ValidationError
	if errors.As(err, &invalid) {
		violations := invalid.Errors
		if violations == nil {
			violations = []FieldError{}
		}
		return Envelope{
			Message:    messageValidation,
			StatusCode: http.StatusUnprocessableEntity,
			Details:    map[string]any{"errors": violations},
		}, true
	}

	return Envelope{
		Message:    messageInternal,
		StatusCode: http.StatusInternalServerError,
		ErrorCode:  CodeInternal,
	}, false
}

// Write renders env as the response. Content-Type is only set when the
// response has not already chosen one.
func Write(w http.ResponseWriter, env Envelope) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == "application/json" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(env.StatusCode)
	_ = jsoncodec.Encode(w, env)
}
