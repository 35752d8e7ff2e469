// Package response standardizes JSON success and error envelopes for the
// HTTP surface.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/memfabric/memfabric/pkg/api/middleware"
	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/fabric"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/memguard"
	"github.com/memfabric/memfabric/pkg/planner"
	"github.com/memfabric/memfabric/pkg/ports"
)

// Error codes returned in the error envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeComplianceBlock  = "COMPLIANCE_BLOCKED"
	CodeCoverageUnmet    = "STRICT_COVERAGE_UNMET"
	CodeBackendDegraded  = "BACKEND_DEGRADED"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL_ERROR"
	CodeTooManyRequests  = "RATE_LIMITED"
	CodeRequestMalformed = "MALFORMED_REQUEST"
)

// ErrorDetail is the machine-readable part of an error envelope.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// JSON writes a success payload.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// Error writes an error envelope with the request id attached.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	JSON(w, status, &ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: middleware.RequestIDFrom(r.Context()),
	}})
}

// FromError maps domain errors onto status codes and error codes.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	var cbe *memguard.ComplianceBlockedError
	switch {
	case errors.Is(err, fabric.ErrValidation), errors.Is(err, atom.ErrInvalidUserID):
		Error(w, r, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, fabric.ErrForbidden):
		Error(w, r, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.As(err, &cbe):
		Error(w, r, http.StatusUnprocessableEntity, CodeComplianceBlock, err.Error())
	case errors.Is(err, planner.ErrStrictCoverageUnmet):
		Error(w, r, http.StatusServiceUnavailable, CodeCoverageUnmet, err.Error())
	case errors.Is(err, ports.ErrPortUnavailable), errors.Is(err, ports.ErrBreakerOpen):
		Error(w, r, http.StatusServiceUnavailable, CodeBackendDegraded, err.Error())
	default:
		Error(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
