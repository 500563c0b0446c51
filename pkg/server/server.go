// Package server is the HTTP front end of the gateway: the tenant
// completion API, an OpenAI-compatible chat endpoint and the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/logger"
	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/usage"
)

// Gateway is the request pipeline the server fronts.
type Gateway interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
	BudgetCheck(ctx context.Context, tenantID string) (models.BudgetCheck, error)
	Override(ctx context.Context, tenantID string, newLimit *float64) (models.Tenant, error)
	Usage(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error)
}

// AlertStore lists and acknowledges budget alerts.
type AlertStore interface {
	List(ctx context.Context, q models.AlertQuery) ([]models.BudgetAlert, error)
	Ack(ctx context.Context, id string) error
}

// Options configures a Server.
type Options struct {
	Addr string
	// JWTSecret enables HS256 bearer tokens. Empty trusts identity headers.
	JWTSecret string
	// AdminToken guards /v1/admin. Empty disables the admin API.
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Server serves the gateway over HTTP.
type Server struct {
	opts    Options
	gw      Gateway
	alerts  AlertStore
	log     *zap.Logger
	handler http.Handler
	now     func() time.Time
}

// New creates a Server. alerts may be nil.
func New(opts Options, gw Gateway, alerts AlertStore, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		opts:   opts,
		gw:     gw,
		alerts: alerts,
		log:    log,
		now:    time.Now,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	auth := authenticator{secret: []byte(s.opts.JWTSecret)}

	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.log))
	r.Use(requestID)
	r.Use(accessLog(s.log))
	r.Use(metrics.Middleware())

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.middleware)
		r.Post("/v1/completions", s.handleCompletions)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/budget", s.handleOwnBudget)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(adminMiddleware(s.opts.AdminToken))
		r.Get("/tenants/{id}/budget", s.handleTenantBudget)
		r.Post("/tenants/{id}/override", s.handleOverride)
		r.Get("/usage", s.handleUsage)
		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/ack", s.handleAckAlert)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("tenantgate listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.log.Info("shutting down http server")
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type requestIDKey struct{}

// requestID assigns every request an id, honoring a caller-supplied
// X-Request-ID, and echoes it in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = usage.NewID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// accessLog emits one log line per request and puts a request-scoped
// logger in the context.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With(zap.String("request_id", requestIDFrom(r.Context())))
			ctx := logger.WithLogger(r.Context(), reqLog)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLog.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

// jsonRecoverer turns panics into a JSON 500.
func jsonRecoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					log.Error("panic recovered", zap.Any("panic", rvr), zap.Stack("stacktrace"))
					writeError(w, http.StatusInternalServerError, models.ClassInternal, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

const maxBodyBytes = 4 << 20
