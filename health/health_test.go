package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry_Check(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("aggregates worst status", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := NewRegistry()
				for i, s := range tt.statuses {
					r.Register(fixed(string(rune('a'+i)), s))
				}

				report := r.Check(context.Background())
				assert.Equal(t, tt.want, report.Status)
				assert.Len(t, report.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("fast", StatusHealthy))
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("register replaces and unregister removes", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("bus", StatusUnhealthy))
		r.Register(fixed("bus", StatusHealthy))
		r.Register(fixed("bridge", StatusHealthy))

		assert.Equal(t, []string{"bridge", "bus"}, r.Names())
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)

		r.Unregister("bus")
		assert.Equal(t, []string{"bridge"}, r.Names())
	})

	t.Run("metadata is copied into reports", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("version", "1.2.3")

		report := r.Check(context.Background())
		assert.Equal(t, "1.2.3", report.Metadata["version"])
	})
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register(fixed("bus", tt.status))

			rec := httptest.NewRecorder()
			NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report OverallHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.status, report.Status)
			assert.Equal(t, tt.status, report.Checks["bus"].Status)
		})
	}
}
