package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsAndTracingMiddleware(noop.NewTracerProvider().Tracer("test"), "alert-service-test"))
	r.Get("/api/alerts/devices/{device_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts/devices/"+id, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	got := testutil.ToFloat64(requestCounter.WithLabelValues("alert-service-test", "/api/alerts/devices/{device_id}", "GET", "418"))
	if got != 2 {
		t.Fatalf("expected 2 requests under the route pattern, got %v", got)
	}
}
