// Package invoker calls model backends with bounded retries and prices
// their usage.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// Call is one completion request as seen by a backend.
type Call struct {
	Tenant      models.TenantContext
	RequestID   string
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Completion is a backend's answer.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Backend performs completion calls against one provider. Implementations
// report failures wrapping ErrInvokerRejected, ErrInvokerUnavailable or
// ErrInvokerTimeout; any other error is treated as unavailable.
type Backend interface {
	Name() string
	Complete(ctx context.Context, call Call) (Completion, error)
}

// StatusError maps an upstream HTTP status to the invoker taxonomy.
// 408, 429 and 5xx are transient; other 4xx are rejections.
func StatusError(status int, detail string) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", models.ErrInvokerTimeout, status, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", models.ErrInvokerUnavailable, status, detail)
	case status >= 400:
		return fmt.Errorf("%w: status %d: %s", models.ErrInvokerRejected, status, detail)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", models.ErrInvokerUnavailable, status, detail)
	}
}

// retryable reports whether err should be retried.
func retryable(err error) bool {
	return !errors.Is(err, models.ErrInvokerRejected)
}
