package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/admission"
	"github.com/pario-ai/tenantgate/pkg/alert"
	alertsqlite "github.com/pario-ai/tenantgate/pkg/alert/sqlite"
	"github.com/pario-ai/tenantgate/pkg/cache"
	cacheredis "github.com/pario-ai/tenantgate/pkg/cache/redis"
	cachesqlite "github.com/pario-ai/tenantgate/pkg/cache/sqlite"
	"github.com/pario-ai/tenantgate/pkg/config"
	"github.com/pario-ai/tenantgate/pkg/gateway"
	"github.com/pario-ai/tenantgate/pkg/invoker"
	anthropicbackend "github.com/pario-ai/tenantgate/pkg/invoker/anthropic"
	openaibackend "github.com/pario-ai/tenantgate/pkg/invoker/openai"
	"github.com/pario-ai/tenantgate/pkg/ledger"
	ledgersqlite "github.com/pario-ai/tenantgate/pkg/ledger/sqlite"
	"github.com/pario-ai/tenantgate/pkg/logger"
	"github.com/pario-ai/tenantgate/pkg/normalize"
	"github.com/pario-ai/tenantgate/pkg/tenant"
	"github.com/pario-ai/tenantgate/pkg/usage"
	usagepg "github.com/pario-ai/tenantgate/pkg/usage/postgres"
	usagesqlite "github.com/pario-ai/tenantgate/pkg/usage/sqlite"
)

// app holds the wired components. Fields are populated by the open*
// methods, so commands only open the stores they need.
type app struct {
	cfg *config.Config
	log *zap.Logger

	ledger   *ledger.Ledger
	cache    *cache.Cache
	usage    usage.Store
	recorder *usage.Recorder
	alerts   alert.Store
	sink     alert.Sink
	invoker  *invoker.Invoker
	gateway  *gateway.Gateway

	closers []func() error
}

// loadApp reads the config at path and builds the logger.
func loadApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.log.Sync()
}

// openLedger restores persisted tenant state and registers the tenants
// from the config on top of it.
func (a *app) openLedger(ctx context.Context) error {
	store, err := ledgersqlite.New(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	a.ledger = ledger.New(ledger.WithStore(store), ledger.WithLogger(a.log.Named("ledger")))
	if err := a.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	a.registerTenants(ctx, a.cfg)
	return nil
}

func (a *app) registerTenants(ctx context.Context, cfg *config.Config) {
	for _, t := range cfg.Tenants {
		iso := t.Isolation
		if iso.Namespace == "" {
			iso.Namespace = t.ID
		}
		a.ledger.Register(ctx, t.ID, iso, t.MonthlyLimit)
	}
}

// openCache opens the configured cache driver. It leaves a.cache nil when
// caching is disabled.
func (a *app) openCache() error {
	if !a.cfg.Cache.Enabled {
		return nil
	}
	var store cache.Store
	switch a.cfg.Cache.Driver {
	case "memory":
		store = cache.NewMemoryStore()
	case "sqlite":
		s, err := cachesqlite.New(a.cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open cache store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		store = s
	case "redis":
		s, err := cacheredis.New(cacheredis.Config{
			Addrs:     a.cfg.Cache.RedisAddrs,
			Password:  a.cfg.Cache.RedisPassword,
			KeyPrefix: a.cfg.Cache.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("open cache store: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		store = s
	default:
		return fmt.Errorf("unknown cache driver %q", a.cfg.Cache.Driver)
	}
	a.cache = cache.New(store, a.cfg.Cache.TTL,
		cache.WithLogger(a.log.Named("cache")),
		cache.WithFlightTimeout(a.cfg.Invoker.Timeout*time.Duration(a.cfg.Invoker.MaxAttempts)+a.cfg.Invoker.MaxBackoff),
	)
	return nil
}

// openUsage opens the usage store without a recorder, for read-only commands.
func (a *app) openUsage(ctx context.Context) error {
	switch a.cfg.Usage.Driver {
	case "postgres":
		s, err := usagepg.New(ctx, a.cfg.Usage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		a.usage = s
	default:
		s, err := usagesqlite.New(a.cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		a.usage = s
	}
	a.closers = append(a.closers, func() error {
		if a.recorder != nil {
			// the recorder owns the store once started
			return nil
		}
		return a.usage.Close()
	})
	return nil
}

// openAlerts opens the alert store and the sinks alerts are delivered to.
func (a *app) openAlerts() error {
	store, err := alertsqlite.New(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open alert store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.alerts = store

	sinks := alert.Multi{alert.NewLogSink(a.log.Named("alert"))}
	if a.cfg.Alerts.WebhookURL != "" {
		wh, err := alert.NewWebhookSink(a.cfg.Alerts.WebhookURL, a.cfg.Alerts.WebhookFilter,
			a.cfg.Alerts.Timeout, a.log.Named("webhook"))
		if err != nil {
			return fmt.Errorf("init webhook sink: %w", err)
		}
		sinks = append(sinks, wh)
	}
	a.sink = sinks
	return nil
}

// openRecorder starts the usage recorder over the usage store. Closing
// the recorder flushes queued records and then closes the store.
func (a *app) openRecorder() {
	a.recorder = usage.New(a.usage, usage.Options{
		WriteTimeout: a.cfg.Usage.WriteTimeout,
		QueueSize:    a.cfg.Usage.QueueSize,
		MaxRetries:   a.cfg.Usage.MaxRetries,
		SpoolPath:    a.cfg.Usage.SpoolPath,
	}, a.sink, a.log.Named("usage"))
	a.closers = append(a.closers, a.recorder.Close)
}

// newBackends builds one backend per configured provider. Order follows
// the config, so the first provider is the default route.
func newBackends(cfg *config.Config) (map[string]invoker.Backend, []string, error) {
	backends := make(map[string]invoker.Backend, len(cfg.Providers))
	order := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if _, dup := backends[p.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		switch p.Type {
		case "anthropic":
			backends[p.Name] = anthropicbackend.New(anthropicbackend.Config{Name: p.Name, APIKey: p.APIKey, BaseURL: p.URL})
		case "echo":
			backends[p.Name] = invoker.NewEchoBackend(p.Name)
		default:
			backends[p.Name] = openaibackend.New(openaibackend.Config{Name: p.Name, APIKey: p.APIKey, BaseURL: p.URL})
		}
		order = append(order, p.Name)
	}
	return backends, order, nil
}

// openGateway wires the full request pipeline. It opens every store the
// gateway needs.
func (a *app) openGateway(ctx context.Context) error {
	if err := a.openLedger(ctx); err != nil {
		return err
	}
	if err := a.openCache(); err != nil {
		return err
	}
	if err := a.openAlerts(); err != nil {
		return err
	}
	if err := a.openUsage(ctx); err != nil {
		return err
	}
	a.openRecorder()

	norm, err := normalize.New(normalize.Rules{
		Fillers: a.cfg.Normalizer.Fillers,
		Markers: a.cfg.Normalizer.Markers,
	})
	if err != nil {
		return fmt.Errorf("init normalizer: %w", err)
	}

	backends, order, err := newBackends(a.cfg)
	if err != nil {
		return err
	}
	pricing := invoker.NewPricing(a.cfg.Pricing)
	a.invoker = invoker.New(invoker.NewRouter(backends, order, a.cfg.Router.Routes), pricing, invoker.Options{
		Timeout:        a.cfg.Invoker.Timeout,
		MaxAttempts:    a.cfg.Invoker.MaxAttempts,
		InitialBackoff: a.cfg.Invoker.InitialBackoff,
		MaxBackoff:     a.cfg.Invoker.MaxBackoff,
	}, a.log.Named("invoker"))

	a.gateway = gateway.New(gateway.Deps{
		Ledger:     a.ledger,
		Resolver:   tenant.NewResolver(a.ledger),
		Normalizer: norm,
		Admission:  admission.New(a.ledger, pricing, a.cfg.Budget.SoftLimitPct, a.cfg.Budget.DefaultMaxTokens, a.log.Named("admission")),
		Cache:      a.cache,
		Invoker:    a.invoker,
		Recorder:   a.recorder,
		Logger:     a.log.Named("gateway"),
	})
	return nil
}
