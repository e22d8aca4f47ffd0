package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/paperbroker/broker-engine/internal/metrics"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/users/{userID}/depot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, user := range []string{"alice", "bob", "carol"} {
		req := httptest.NewRequest("GET", "/users/"+user+"/depot", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	// Three users share one series because the label is the route pattern.
	if got := testutil.CollectAndCount(metrics.HTTPRequestsTotal); got != 1 {
		t.Errorf("request series = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.HTTPRequestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}

	count := testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/users/{userID}/depot", "200"))
	if count != 3 {
		t.Errorf("pattern series count = %v, want 3", count)
	}
}
