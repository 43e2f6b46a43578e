// Package api holds the HTTP plumbing shared by the discloser server:
// RFC 7807 problem details, JSON helpers, and idempotent replay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

const problemTypeBase = "urn:discloser:problem:"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request ID of the failing call.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="discloser"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

type domainProblem struct {
	kind   error
	slug   string
	status int
	title  string
}

// Order matters: the first matching kind wins.
var domainProblems = []domainProblem{
	{contracts.ErrInvalidInput, "invalid-input", http.StatusBadRequest, "Invalid Input"},
	{contracts.ErrNotFound, "not-found", http.StatusNotFound, "Not Found"},
	{contracts.ErrImmutableField, "immutable-field", http.StatusUnprocessableEntity, "Immutable Field"},
	{contracts.ErrValidationRequired, "validation-required", http.StatusConflict, "Validation Required"},
	{contracts.ErrDuplicateActive, "duplicate-active", http.StatusConflict, "Duplicate Active Submission"},
	{contracts.ErrOpenSubmissions, "open-submissions", http.StatusConflict, "Required Submissions Outstanding"},
	{contracts.ErrInvalidTransition, "invalid-transition", http.StatusConflict, "Invalid Transition"},
	{contracts.ErrChannelFailure, "channel-failure", http.StatusBadGateway, "Channel Failure"},
	{contracts.ErrTimeoutExceeded, "timeout-exceeded", http.StatusGatewayTimeout, "Timeout Exceeded"},
	{contracts.ErrIntegrityViolation, "integrity-violation", http.StatusInternalServerError, "Integrity Violation"},
}

// StatusFor returns the HTTP status for a domain error, or 500.
func StatusFor(err error) int {
	for _, p := range domainProblems {
		if errors.Is(err, p.kind) {
			return p.status
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteDomainError maps a contracts error kind to a problem response. Errors
// of unknown kind are logged and sanitized.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, p := range domainProblems {
		if errors.Is(err, p.kind) {
			writeProblem(w, &ProblemDetail{
				Type:     problemTypeBase + p.slug,
				Title:    p.title,
				Status:   p.status,
				Detail:   err.Error(),
				Instance: r.URL.Path,
				TraceID:  w.Header().Get("X-Request-ID"),
			})
			return
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		WriteErrorR(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "The request did not complete in time.")
		return
	}
	slog.Error("internal server error", "error", err, "path", r.URL.Path, "request_id", w.Header().Get("X-Request-ID"))
	WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// MaxBodyBytes caps request bodies read by DecodeJSON.
const MaxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into v, rejecting unknown fields.
// On failure it writes a 400 and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
