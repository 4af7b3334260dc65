package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perMinute int) *UpgradeLimiter {
	t.Helper()
	l := NewUpgradeLimiter(perMinute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(l.Close)
	return l
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestAddressesAreIndependent(t *testing.T) {
	l := newTestLimiter(t, 1)

	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestWrapRejectsWith429(t *testing.T) {
	l := newTestLimiter(t, 1)

	var hits int
	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, hits)
}

func TestWrapTracksPortlessAddresses(t *testing.T) {
	l := newTestLimiter(t, 1)
	handler := l.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	// Two different source ports from the same host share one window.
	for i, addr := range []string{"10.0.0.9:1111", "10.0.0.9:2222"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		if i == 0 {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
}
