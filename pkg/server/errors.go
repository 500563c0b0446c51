package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/alert"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// retryAfterSeconds is advertised on transient failures.
const retryAfterSeconds = "1"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Class   string `json:"class"`
	Code    string `json:"code"`
}

// errorHandler tries to handle an error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

var errorHandlers = []errorHandler{
	sentinelHandler(models.ErrBadRequest, http.StatusBadRequest),
	sentinelHandler(models.ErrModelNotPriced, http.StatusBadRequest),
	sentinelHandler(models.ErrInvokerRejected, http.StatusUnprocessableEntity),
	sentinelHandler(models.ErrTenantNotFound, http.StatusNotFound),
	sentinelHandler(models.ErrTenantSuspended, http.StatusForbidden),
	sentinelHandler(models.ErrBudgetExceeded, http.StatusPaymentRequired),
	alertNotFoundHandler,
	transientHandler,
}

func sentinelHandler(sentinel error, status int) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, models.Classify(err), models.FailureReason(err), err.Error())
		return true
	}
}

func alertNotFoundHandler(w http.ResponseWriter, err error) bool {
	if !errors.Is(err, alert.ErrNotFound) {
		return false
	}
	writeError(w, http.StatusNotFound, models.ClassBadRequest, "alert_not_found", err.Error())
	return true
}

// transientHandler covers model failures and timeouts. Callers may retry.
func transientHandler(w http.ResponseWriter, err error) bool {
	if models.Classify(err) != models.ClassTransient {
		return false
	}
	w.Header().Set("Retry-After", retryAfterSeconds)
	writeError(w, http.StatusServiceUnavailable, models.ClassTransient, models.FailureReason(err),
		"upstream model temporarily unavailable")
	return true
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, h := range errorHandlers {
		if h(w, err) {
			s.log.Debug("request failed", zap.String("path", r.URL.Path), zap.Error(err))
			return
		}
	}
	s.log.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, models.ClassInternal, "internal_error", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, class models.ErrorClass, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: message,
		Type:    "tenantgate_error",
		Class:   string(class),
		Code:    code,
	}})
}
