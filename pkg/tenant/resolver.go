// Package tenant resolves authenticated claims to tenant contexts.
package tenant

import (
	"context"
	"fmt"
	"strings"

	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Claim is the authenticated identity carried by a request.
type Claim struct {
	TenantID string
	UserID   string
}

// Resolver maps claims onto tenants known to the ledger.
type Resolver struct {
	ledger *ledger.Ledger
}

// NewResolver creates a Resolver backed by l.
func NewResolver(l *ledger.Ledger) *Resolver {
	return &Resolver{ledger: l}
}

// Resolve returns the immutable context for the claimed tenant. Unknown
// tenants fail with ErrTenantNotFound and suspended ones with
// ErrTenantSuspended. A suspension from an ended period no longer counts.
func (r *Resolver) Resolve(ctx context.Context, c Claim) (models.TenantContext, error) {
	id := strings.TrimSpace(c.TenantID)
	if id == "" {
		return models.TenantContext{}, fmt.Errorf("%w: missing tenant claim", models.ErrTenantNotFound)
	}
	t, err := r.ledger.Current(ctx, id)
	if err != nil {
		return models.TenantContext{}, err
	}
	if t.Status == models.StatusSuspended {
		return models.TenantContext{}, fmt.Errorf("%w: %s", models.ErrTenantSuspended, id)
	}
	iso := t.Isolation
	if iso.Namespace == "" {
		iso.Namespace = t.ID
	}
	return models.TenantContext{
		TenantID:  t.ID,
		UserID:    c.UserID,
		Isolation: iso,
	}, nil
}
