// Package ledger holds per-tenant spend, limits and status. Every mutation
// of a tenant happens under that tenant's own lock; tenants never contend.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Store persists tenant state. Save must ignore versions older than the
// one already stored so that out-of-order writes never regress state.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, t models.Tenant, version uint64) error
}

// Record is a persisted tenant together with its write version.
type Record struct {
	Tenant  models.Tenant
	Version uint64
}

// Ledger is the single owner of tenant budget state.
type Ledger struct {
	accounts sync.Map // tenant id -> *account
	store    Store
	log      *zap.Logger
	now      func() time.Time
}

type account struct {
	mu       sync.Mutex
	t        models.Tenant
	reserved float64
	version  uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists tenant state to s.
func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates an empty Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// PeriodStart returns the start of the monthly budget period containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Restore loads persisted tenants. Call before Register so that spend
// survives restarts.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	recs, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	for _, r := range recs {
		l.accounts.Store(r.Tenant.ID, &account{t: r.Tenant, version: r.Version})
		metrics.TenantSpend.WithLabelValues(r.Tenant.ID).Set(r.Tenant.Spend)
	}
	return nil
}

// Register adds a tenant or updates the limit and isolation of a known one.
// Spend, status and period of a known tenant are kept. A changed limit
// restarts alert tracking against the new limit.
func (l *Ledger) Register(ctx context.Context, id string, iso models.Isolation, limit float64) {
	fresh := &account{t: models.Tenant{
		ID:          id,
		Isolation:   iso,
		Limit:       limit,
		Status:      models.StatusActive,
		PeriodStart: PeriodStart(l.now()),
	}}
	v, loaded := l.accounts.LoadOrStore(id, fresh)
	a := v.(*account)

	a.mu.Lock()
	if loaded {
		a.t.Isolation = iso
		if a.t.Limit != limit {
			a.t.Limit = limit
			a.t.AlertedPct = 0
		}
	}
	snap, ver := a.bumpLocked()
	a.mu.Unlock()

	metrics.TenantSpend.WithLabelValues(id).Set(snap.Spend)
	l.persist(ctx, snap, ver)
}

// Get returns a snapshot of the tenant.
func (l *Ledger) Get(id string) (models.Tenant, error) {
	a, ok := l.account(id)
	if !ok {
		return models.Tenant{}, fmt.Errorf("%w: %s", models.ErrTenantNotFound, id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t, nil
}

// Current returns a snapshot of the tenant after rolling its period over
// when the current one has ended.
func (l *Ledger) Current(ctx context.Context, id string) (models.Tenant, error) {
	a, ok := l.account(id)
	if !ok {
		return models.Tenant{}, fmt.Errorf("%w: %s", models.ErrTenantNotFound, id)
	}
	a.mu.Lock()
	rolled := a.rollOverLocked(l.now())
	var snap models.Tenant
	var ver uint64
	if rolled {
		snap, ver = a.bumpLocked()
	}
	t := a.t
	a.mu.Unlock()

	l.afterRollOver(ctx, rolled, snap, ver)
	return t, nil
}

// Check returns the budget view of the tenant, including outstanding reservations.
func (l *Ledger) Check(id string) (models.BudgetCheck, error) {
	a, ok := l.account(id)
	if !ok {
		return models.BudgetCheck{}, fmt.Errorf("%w: %s", models.ErrTenantNotFound, id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.BudgetCheck{
		TenantID:    a.t.ID,
		Spend:       a.t.Spend,
		Reserved:    a.reserved,
		Limit:       a.t.Limit,
		Ratio:       ratio(a.t.Spend, a.t.Limit),
		Status:      a.t.Status,
		PeriodStart: a.t.PeriodStart,
	}, nil
}

// List returns snapshots of all tenants ordered by id.
func (l *Ledger) List() []models.Tenant {
	var out []models.Tenant
	l.accounts.Range(func(_, v any) bool {
		a := v.(*account)
		a.mu.Lock()
		out = append(out, a.t)
		a.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reservation holds estimated spend against a tenant's limit until it is
// settled by exactly one Commit or Release.
type Reservation struct {
	ledger    *Ledger
	tenantID  string
	amount    float64
	nearLimit bool
	settled   atomic.Bool
}

// NearLimit reports whether spend was at or above the soft limit at admission.
func (r *Reservation) NearLimit() bool { return r.nearLimit }

// Amount returns the reserved estimate.
func (r *Reservation) Amount() float64 { return r.amount }

// Gate applies the checks every request passes before the cache, without
// holding anything: a suspended tenant fails with ErrTenantSuspended and
// one whose spend has reached its limit with ErrBudgetExceeded. It reports
// whether spend is at or above softPct percent of the limit.
func (l *Ledger) Gate(ctx context.Context, id string, softPct int) (bool, error) {
	return l.admit(ctx, id, 0, softPct, false)
}

// Reserve admits estimate against the tenant's limit. On top of the Gate
// checks it fails with ErrBudgetExceeded when spend plus outstanding
// reservations plus estimate would exceed the limit.
func (l *Ledger) Reserve(ctx context.Context, id string, estimate float64, softPct int) (*Reservation, error) {
	if estimate < 0 {
		estimate = 0
	}
	near, err := l.admit(ctx, id, estimate, softPct, true)
	if err != nil {
		return nil, err
	}
	return &Reservation{ledger: l, tenantID: id, amount: estimate, nearLimit: near}, nil
}

func (l *Ledger) admit(ctx context.Context, id string, estimate float64, softPct int, hold bool) (bool, error) {
	a, ok := l.account(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrTenantNotFound, id)
	}

	a.mu.Lock()
	rolled := a.rollOverLocked(l.now())
	var snap models.Tenant
	var ver uint64
	if rolled {
		snap, ver = a.bumpLocked()
	}
	t := a.t
	var err error
	switch {
	case t.Status == models.StatusSuspended:
		err = fmt.Errorf("%w: %s", models.ErrTenantSuspended, id)
	case t.Spend >= t.Limit:
		err = fmt.Errorf("%w: spend %.4f of limit %.4f", models.ErrBudgetExceeded, t.Spend, t.Limit)
	case hold && t.Spend+a.reserved+estimate > t.Limit:
		err = fmt.Errorf("%w: spend %.4f + reserved %.4f + estimate %.4f exceeds limit %.4f",
			models.ErrBudgetExceeded, t.Spend, a.reserved, estimate, t.Limit)
	case hold:
		a.reserved += estimate
	}
	a.mu.Unlock()

	l.afterRollOver(ctx, rolled, snap, ver)
	if err != nil {
		return false, err
	}
	return t.Spend*100 >= t.Limit*float64(softPct), nil
}

// Commit settles the reservation and adds actual to the tenant's spend.
// Only the first Commit or Release on a reservation has any effect.
func (r *Reservation) Commit(ctx context.Context, actual float64) {
	if !r.settled.CompareAndSwap(false, true) {
		return
	}
	a, ok := r.ledger.account(r.tenantID)
	if !ok {
		return
	}
	if actual < 0 {
		actual = 0
	}
	a.mu.Lock()
	a.rollOverLocked(r.ledger.now())
	a.reserved = max(a.reserved-r.amount, 0)
	a.t.Spend += actual
	snap, ver := a.bumpLocked()
	a.mu.Unlock()

	metrics.TenantSpend.WithLabelValues(snap.ID).Set(snap.Spend)
	r.ledger.persist(ctx, snap, ver)
}

// Release settles the reservation without adding spend.
func (r *Reservation) Release() {
	if !r.settled.CompareAndSwap(false, true) {
		return
	}
	a, ok := r.ledger.account(r.tenantID)
	if !ok {
		return
	}
	a.mu.Lock()
	a.reserved = max(a.reserved-r.amount, 0)
	a.mu.Unlock()
}

// RollOver resets every tenant whose period ended before now and returns
// the ids that were reset. A boundary resets a tenant at most once.
func (l *Ledger) RollOver(ctx context.Context, now time.Time) []string {
	var rolled []string
	l.accounts.Range(func(_, v any) bool {
		a := v.(*account)
		a.mu.Lock()
		if !a.rollOverLocked(now) {
			a.mu.Unlock()
			return true
		}
		snap, ver := a.bumpLocked()
		a.mu.Unlock()

		rolled = append(rolled, snap.ID)
		metrics.TenantSpend.WithLabelValues(snap.ID).Set(0)
		l.persist(ctx, snap, ver)
		return true
	})
	sort.Strings(rolled)
	return rolled
}

// MarkAlerted records that threshold pct was alerted for the period
// starting at period. It returns false when the period has moved on or an
// equal or higher threshold was already alerted, so each crossing is
// claimed exactly once. On success the status advances to status when
// that is a forward transition.
func (l *Ledger) MarkAlerted(ctx context.Context, id string, period time.Time, pct int, status models.TenantStatus) (bool, error) {
	a, ok := l.account(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrTenantNotFound, id)
	}
	a.mu.Lock()
	if !a.t.PeriodStart.Equal(period) || pct <= a.t.AlertedPct {
		a.mu.Unlock()
		return false, nil
	}
	a.t.AlertedPct = pct
	if status.Rank() > a.t.Status.Rank() {
		a.t.Status = status
	}
	snap, ver := a.bumpLocked()
	a.mu.Unlock()

	l.persist(ctx, snap, ver)
	return true, nil
}

// Override clears a suspension. With a new limit, alert tracking restarts
// against that limit.
func (l *Ledger) Override(ctx context.Context, id string, newLimit *float64) (models.Tenant, error) {
	a, ok := l.account(id)
	if !ok {
		return models.Tenant{}, fmt.Errorf("%w: %s", models.ErrTenantNotFound, id)
	}
	a.mu.Lock()
	a.t.Status = models.StatusActive
	if newLimit != nil {
		a.t.Limit = *newLimit
		a.t.AlertedPct = 0
	}
	snap, ver := a.bumpLocked()
	a.mu.Unlock()

	l.persist(ctx, snap, ver)
	return snap, nil
}

func (l *Ledger) account(id string) (*account, bool) {
	v, ok := l.accounts.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*account), true
}

func (l *Ledger) afterRollOver(ctx context.Context, rolled bool, snap models.Tenant, ver uint64) {
	if !rolled {
		return
	}
	metrics.TenantSpend.WithLabelValues(snap.ID).Set(0)
	l.persist(ctx, snap, ver)
}

func (l *Ledger) persist(ctx context.Context, t models.Tenant, version uint64) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.store.Save(ctx, t, version); err != nil {
		l.log.Error("persist tenant", zap.String("tenant_id", t.ID), zap.Error(err))
	}
}

// rollOverLocked resets the period when now falls in a later period.
func (a *account) rollOverLocked(now time.Time) bool {
	start := PeriodStart(now)
	if !start.After(a.t.PeriodStart) {
		return false
	}
	a.t.PeriodStart = start
	a.t.Spend = 0
	a.t.Status = models.StatusActive
	a.t.AlertedPct = 0
	return true
}

func (a *account) bumpLocked() (models.Tenant, uint64) {
	a.version++
	return a.t, a.version
}

func ratio(spend, limit float64) float64 {
	if limit <= 0 {
		if spend > 0 {
			return 1
		}
		return 0
	}
	return spend / limit
}
