// Package errors provides error handling and HTTP status code mapping for the ops API.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/middleware"
	"github.com/smedrec/smart-logs-ops/internal/store"
	"github.com/smedrec/smart-logs-ops/internal/util/requestqueue"
)

// ErrorCode identifies a failure class in API responses.
type ErrorCode string

const (
	// General errors
	ErrorCodeUnknown        ErrorCode = "UNKNOWN"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceDown    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"

	// Admission errors
	ErrorCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrorCodeQueueFull   ErrorCode = "QUEUE_FULL"
)

// ErrorResponse is the envelope every failed request returns.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler maps domain errors onto HTTP responses.
type Handler struct {
	logger *zap.Logger
}

// NewHandler returns a Handler that logs through the given logger.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := h.HTTPStatus(err)
	errorCode := h.CodeFor(err)

	h.WriteErrorResponse(w, statusCode, errorCode, err.Error(), middleware.GetRequestID(r.Context()))
}

// HTTPStatus maps a domain error to an HTTP status code.
func (h *Handler) HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, breaker.ErrTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, requestqueue.ErrQueueFull):
		return http.StatusTooManyRequests
	case stderrors.Is(err, requestqueue.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, requestqueue.ErrStopped):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// CodeFor maps a domain error to an application error code.
func (h *Handler) CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeUnknown
	case stderrors.Is(err, breaker.ErrOpen):
		return ErrorCodeCircuitOpen
	case stderrors.Is(err, breaker.ErrTimeout):
		return ErrorCodeTimeout
	case stderrors.Is(err, requestqueue.ErrQueueFull):
		return ErrorCodeQueueFull
	case stderrors.Is(err, requestqueue.ErrQueueTimeout):
		return ErrorCodeTimeout
	case stderrors.Is(err, requestqueue.ErrStopped):
		return ErrorCodeServiceDown
	case stderrors.Is(err, store.ErrNotFound):
		return ErrorCodeNotFound
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	default:
		return ErrorCodeInternalError
	}
}

// WriteErrorResponse writes the error envelope with the given status and code.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("request failed",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError rejects a request as malformed with 400.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

// WriteNotFound writes a not found error response.
func (h *Handler) WriteNotFound(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusNotFound, ErrorCodeNotFound, message, requestID)
}

// WriteInternalError reports a server-side failure with 500.
func (h *Handler) WriteInternalError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusInternalServerError, ErrorCodeInternalError, message, requestID)
}
