package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) Health(ctx context.Context) error { return f(ctx) }

func healthy(context.Context) error { return nil }

func TestHealthHandler(t *testing.T) {
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		store      checkFunc
		ledger     checkFunc
		wantCode   int
		wantStatus string
		wantQdrant string
		wantLedger string
	}{
		{"all healthy", healthy, healthy, http.StatusOK, "healthy", "connected", "ok"},
		{"qdrant down", down, healthy, http.StatusServiceUnavailable, "unhealthy", "disconnected", "ok"},
		{"ledger down", healthy, down, http.StatusServiceUnavailable, "unhealthy", "connected", "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.store, tt.ledger)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantQdrant, resp.Qdrant)
			assert.Equal(t, tt.wantLedger, resp.Ledger)
			assert.NotEmpty(t, resp.Timestamp)
		})
	}
}

func TestHealthHandler_Timeout(t *testing.T) {
	var sawDeadline bool
	store := checkFunc(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})
	rec := httptest.NewRecorder()
	NewHealthHandler(store, checkFunc(healthy))(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, sawDeadline)
}
