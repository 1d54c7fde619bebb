package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/track/open/{data}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/track/open/{data}", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/track/open/abc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/track/open/def", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/track/open/{data}", "200"))

	assert.Equal(t, 2.0, after-before)
}

func TestFailedCounterLabelsFinal(t *testing.T) {
	before := testutil.ToFloat64(messagesFailed.WithLabelValues("smtp", "true"))
	IncMessageFailed("smtp", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(messagesFailed.WithLabelValues("smtp", "true"))-before)
}
