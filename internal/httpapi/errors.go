package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/handlers"
	"github.com/kobopay/kobod/internal/pin"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response was written.
const statusClientClosedRequest = 499

// apiError carries a status and taxonomy kind decided at the handler, for
// failures that never reach the core (unknown msisdn, bad query params,
// pin mismatch).
type apiError struct {
	status int
	kind   string
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, kind: "VALIDATION", msg: msg}
}

func notFound(msg string) *apiError {
	return &apiError{status: http.StatusNotFound, kind: "NOT_FOUND", msg: msg}
}

func forbidden(msg string) *apiError {
	return &apiError{status: http.StatusForbidden, kind: "AUTH", msg: msg}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
	Retryable     bool   `json:"retryable,omitempty"`
}

// writeError maps err onto the status taxonomy, logs it with the
// correlation id, and writes the JSON error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, retryable := classify(err)
	corr := CorrelationID(r.Context())

	logger := s.log.Warn
	if status >= http.StatusInternalServerError {
		logger = s.log.Error
	}
	logger("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("kind", kind),
		zap.String("correlation_id", corr),
		zap.Error(err))

	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:          kind,
		Message:       err.Error(),
		CorrelationID: corr,
		Retryable:     retryable,
	}})
}

// classify maps any error the handlers surface onto (status, kind,
// retryable). Posting errors carry their own kind; approval failures are
// sentinel-based; everything else falls through to 500.
func classify(err error) (int, string, bool) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, ae.kind, false
	}

	var pe *posting.Error
	if errors.As(err, &pe) {
		return postingStatus(pe.Kind), pe.Kind.String(), pe.Kind.Retryable()
	}

	switch {
	case errors.Is(err, approval.ErrNoPolicy):
		return http.StatusUnprocessableEntity, "NO_APPROVAL_POLICY", false
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", false
	case errors.Is(err, approval.ErrNotEligible):
		return http.StatusForbidden, "NOT_ELIGIBLE", false
	case errors.Is(err, approval.ErrUnknownStaff):
		return http.StatusForbidden, "UNKNOWN_STAFF", false
	case errors.Is(err, approval.ErrAlreadyDecided):
		return http.StatusConflict, "ALREADY_DECIDED", false
	case errors.Is(err, approval.ErrTerminal):
		return http.StatusConflict, "TERMINAL_STATE", false
	case errors.Is(err, approval.ErrHandlerFailed):
		return http.StatusInternalServerError, "HANDLER_FAILED", false
	case errors.Is(err, handlers.ErrAgentNotFound), errors.Is(err, handlers.ErrAccountNotFound):
		return http.StatusNotFound, "NOT_FOUND", false
	case errors.Is(err, pin.ErrMismatch):
		return http.StatusForbidden, "AUTH", false
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrAmountOverflow):
		return http.StatusBadRequest, "VALIDATION", false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "CANCELLED", false
	}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return http.StatusBadRequest, "VALIDATION", false
	}

	return http.StatusInternalServerError, "INTERNAL", false
}

func postingStatus(k posting.Kind) int {
	switch k {
	case posting.KindValidation:
		return http.StatusBadRequest
	case posting.KindUnbalanced, posting.KindInsufficientFunds,
		posting.KindAccountFrozen, posting.KindPeriodClosed:
		return http.StatusUnprocessableEntity
	case posting.KindIdempotencyConflict, posting.KindStateConflict:
		return http.StatusConflict
	case posting.KindNotFound:
		return http.StatusNotFound
	case posting.KindRetryExhausted, posting.KindStorage:
		return http.StatusServiceUnavailable
	case posting.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode failures at this point can only be marshal bugs; the header
	// is already out, so there is nothing better to do than drop.
	_ = json.NewEncoder(w).Encode(v)
}
