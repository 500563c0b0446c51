package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/v1/admin/tenants/{id}/budget", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/v1/admin/tenants/acme/budget", "/v1/admin/tenants/globex/budget"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest("GET", path, http.NoBody))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/admin/tenants/{id}/budget", "200"))
	if got < 2 {
		t.Errorf("expected both tenants under one route label, got %f", got)
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/missing", http.NoBody))
	if v := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/missing", "404")); v < 1 {
		t.Errorf("expected 404 to be counted, got %f", v)
	}

	if testutil.CollectAndCount(HTTPRequestDuration) == 0 {
		t.Error("expected duration observations")
	}
}
