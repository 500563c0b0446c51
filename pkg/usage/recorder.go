// Package usage writes the append-only usage trail. A record whose write
// fails is retried in the background and, as a last resort, appended to a
// JSON-lines spool file; it is never dropped and never fails the request.
package usage

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Store persists usage records.
type Store interface {
	Insert(ctx context.Context, rec models.UsageRecord) error
	Query(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error)
	Close() error
}

// Alerter receives operational alerts.
type Alerter interface {
	Operational(ctx context.Context, a models.OperationalAlert)
}

// Options bounds delivery.
type Options struct {
	WriteTimeout   time.Duration
	QueueSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SpoolPath      string
}

// Recorder writes usage records with guaranteed delivery.
type Recorder struct {
	store   Store
	alerter Alerter
	log     *zap.Logger
	opts    Options
	spool   *Spool
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan models.UsageRecord
	closing chan struct{}
	done    chan struct{}
}

// NewID returns a new lexically sortable record id.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// New creates a Recorder and starts its retry worker. alerter may be nil.
func New(store Store, opts Options, alerter Alerter, log *zap.Logger) *Recorder {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		alerter: alerter,
		log:     log,
		opts:    opts,
		spool:   NewSpool(opts.SpoolPath),
		now:     time.Now,
		queue:   make(chan models.UsageRecord, opts.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.retryLoop()
	return r
}

// Record writes rec synchronously. The write is detached from ctx's
// cancellation so an abandoned request is still recorded. A failed write
// returns an error wrapping ErrRecorderWriteFailed for logging only; the
// record has already been handed to the retry queue or the spool.
func (r *Recorder) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	err := r.write(context.WithoutCancel(ctx), rec)
	if err == nil {
		return nil
	}

	metrics.UsageWriteFailuresTotal.Inc()
	r.log.Warn("usage write failed, queueing for retry",
		zap.String("record_id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("request_id", rec.RequestID),
		zap.Error(err),
	)
	if r.alerter != nil {
		r.alerter.Operational(ctx, models.OperationalAlert{
			Kind:      "recorder_write_failed",
			TenantID:  rec.TenantID,
			RequestID: rec.RequestID,
			Detail:    err.Error(),
			CreatedAt: r.now().UTC(),
		})
	}
	if !r.enqueue(rec) {
		r.toSpool(rec, err)
	}
	return fmt.Errorf("%w: %w", models.ErrRecorderWriteFailed, err)
}

// Query reads records for a time range.
func (r *Recorder) Query(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error) {
	return r.store.Query(ctx, q)
}

// Close stops accepting retries, drains the queue and closes the store.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closing)
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.store.Close()
}

// Replay moves spooled records back into the store.
func (r *Recorder) Replay(ctx context.Context) (int, error) {
	return r.spool.Replay(ctx, func(rec models.UsageRecord) error {
		return r.write(ctx, rec)
	})
}

func (r *Recorder) write(ctx context.Context, rec models.UsageRecord) error {
	wctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()
	return r.store.Insert(wctx, rec)
}

func (r *Recorder) enqueue(rec models.UsageRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- rec:
		metrics.UsageRetryQueueDepth.Set(float64(len(r.queue)))
		return true
	default:
		return false
	}
}

func (r *Recorder) retryLoop() {
	defer close(r.done)
	for rec := range r.queue {
		metrics.UsageRetryQueueDepth.Set(float64(len(r.queue)))
		r.redeliver(rec)
	}
	metrics.UsageRetryQueueDepth.Set(0)
}

// redeliver retries rec with exponential backoff. Once the recorder is
// closing, the remaining attempts run without waiting.
func (r *Recorder) redeliver(rec models.UsageRecord) {
	backoff := r.opts.InitialBackoff
	var err error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		select {
		case <-r.closing:
		case <-time.After(backoff):
		}
		if err = r.write(context.Background(), rec); err == nil {
			r.log.Info("usage record redelivered",
				zap.String("record_id", rec.ID),
				zap.Int("attempt", attempt),
			)
			return
		}
		if backoff *= 2; backoff > r.opts.MaxBackoff {
			backoff = r.opts.MaxBackoff
		}
	}
	r.toSpool(rec, err)
}

func (r *Recorder) toSpool(rec models.UsageRecord, cause error) {
	if err := r.spool.Append(rec); err != nil {
		// Last resort: the full record goes to the log.
		r.log.Error("usage record could not be spooled",
			zap.Any("record", rec),
			zap.NamedError("write_error", cause),
			zap.Error(err),
		)
		return
	}
	metrics.UsageSpooledTotal.Inc()
	r.log.Warn("usage record spooled",
		zap.String("record_id", rec.ID),
		zap.String("spool", r.spool.Path()),
		zap.Error(cause),
	)
}
