package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFieldsAccumulates(t *testing.T) {
	ctx := WithFields(context.Background(), Field{"campaign_id", 1})
	ctx = WithFields(ctx, Field{"message_id", 2})

	fields := getObservabilityFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "campaign_id", fields[0].Key)
	assert.Equal(t, "message_id", fields[1].Key)
}

func TestWithFieldsDoesNotShareBacking(t *testing.T) {
	base := WithFields(context.Background(), Field{"a", 1})
	left := WithFields(base, Field{"b", 2})
	right := WithFields(base, Field{"c", 3})

	assert.Equal(t, "b", getObservabilityFields(left)[1].Key)
	assert.Equal(t, "c", getObservabilityFields(right)[1].Key)
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	h := Middleware(NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fields := getObservabilityFields(r.Context())
		assert.NotEmpty(t, fields)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Header().Get("X-Request-ID"), "req-")
}

func TestMiddlewareRecoversPanic(t *testing.T) {
	h := Middleware(NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
