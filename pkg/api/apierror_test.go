package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/miked5167/squadbooks-sub007/pkg/api"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return problem
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	problem := decode(t, w)
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestProblemFor_Kinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		check  func(api.ProblemDetail) string
	}{
		{
			name: "invalid state shows current state",
			err: fmt.Errorf("lock: %w", &contracts.InvalidStateError{
				Entity: "budget", ID: "b-1", Current: "PRESENTED", Requested: "lock",
			}),
			status: http.StatusConflict,
			check: func(p api.ProblemDetail) string {
				if !strings.HasPrefix(p.Detail, "This action isn't available right now") || p.CurrentState != "PRESENTED" {
					return p.Detail
				}
				return ""
			},
		},
		{
			name:   "validation points at the field",
			err:    &contracts.ValidationError{Field: "change_summary", Reason: "is required when editing a budget"},
			status: http.StatusUnprocessableEntity,
			check: func(p api.ProblemDetail) string {
				if p.Field != "change_summary" {
					return p.Field
				}
				return ""
			},
		},
		{
			name:   "guard explains the precondition",
			err:    &contracts.GuardViolationError{Guard: "season.lock.eligible_count", Reason: "cannot lock: stakeholder interest count not yet recorded"},
			status: http.StatusPreconditionFailed,
			check: func(p api.ProblemDetail) string {
				if p.Detail != "cannot lock: stakeholder interest count not yet recorded" {
					return p.Detail
				}
				return ""
			},
		},
		{name: "not found", err: &contracts.NotFoundError{Entity: "budget", ID: "x"}, status: http.StatusNotFound},
		{name: "forbidden", err: &contracts.ForbiddenError{ActorID: "c", Role: "COACH"}, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := api.ProblemFor(tc.err)
			if p.Status != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, p.Status)
			}
			if tc.check != nil {
				if got := tc.check(*p); got != "" {
					t.Errorf("unexpected problem content: %q", got)
				}
			}
		})
	}
}

func TestWriteProblem_SanitizesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteProblem(w, nil, errors.New("pq: connection refused to host=10.0.0.1"))

	problem := decode(t, w)
	if strings.Contains(problem.Detail, "10.0.0.1") {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteMethodNotAllowed(w)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestWriteProblem_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("POST", "/budgets/b-1/lock", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteProblem(w, req, &contracts.NotFoundError{Entity: "budget", ID: "b-1"})

	problem := decode(t, w)
	if problem.Instance != "/budgets/b-1/lock" {
		t.Fatalf("expected instance %q, got %q", "/budgets/b-1/lock", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}
