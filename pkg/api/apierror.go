// Package api maps kernel errors to RFC 7807 Problem Detail responses for the
// web layer that drives the budget kernel.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`

	// Field is the offending input of a validation problem.
	Field string `json:"field,omitempty"`
	// CurrentState is shown next to an unavailable action.
	CurrentState string `json:"current_state,omitempty"`
	// Guard names an unmet season precondition.
	Guard string `json:"guard,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://squadbooks.app/errors/%d", status)
}

// ProblemFor maps a kernel error to the problem shown to the user. Errors of
// unknown kind become a sanitized 500 and are logged.
func ProblemFor(err error) *ProblemDetail {
	var (
		ise *contracts.InvalidStateError
		ve  *contracts.ValidationError
		gv  *contracts.GuardViolationError
		nf  *contracts.NotFoundError
		fe  *contracts.ForbiddenError
		pd  *ProblemDetail
	)
	switch {
	case errors.As(err, &pd):
		return pd
	case errors.As(err, &ise):
		detail := fmt.Sprintf("This action isn't available right now. The %s is %s.", ise.Entity, ise.Current)
		if ise.Detail != "" {
			detail += " " + ise.Detail + "."
		}
		return &ProblemDetail{Type: problemType(http.StatusConflict), Title: "Action Not Available",
			Status: http.StatusConflict, Detail: detail, CurrentState: ise.Current}
	case errors.As(err, &ve):
		return &ProblemDetail{Type: problemType(http.StatusUnprocessableEntity), Title: "Invalid Input",
			Status: http.StatusUnprocessableEntity, Detail: ve.Error(), Field: ve.Field}
	case errors.As(err, &gv):
		return &ProblemDetail{Type: problemType(http.StatusPreconditionFailed), Title: "Precondition Not Met",
			Status: http.StatusPreconditionFailed, Detail: gv.Reason, Guard: gv.Guard}
	case errors.As(err, &nf):
		return &ProblemDetail{Type: problemType(http.StatusNotFound), Title: "Not Found",
			Status: http.StatusNotFound, Detail: nf.Error()}
	case errors.As(err, &fe):
		detail := fe.Reason
		if detail == "" {
			detail = "Insufficient permissions"
		}
		return &ProblemDetail{Type: problemType(http.StatusForbidden), Title: "Forbidden",
			Status: http.StatusForbidden, Detail: detail}
	default:
		// Log internally but never expose to client
		slog.Error("internal server error", "error", err)
		return &ProblemDetail{Type: problemType(http.StatusInternalServerError), Title: "Internal Server Error",
			Status: http.StatusInternalServerError, Detail: "An unexpected error occurred. Please try again later."}
	}
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	write(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteProblem writes the problem for err, enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	p := *ProblemFor(err)
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")
	write(w, &p)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

func write(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
