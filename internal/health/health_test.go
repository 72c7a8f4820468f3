package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"crmmail/backend/internal/storage/memory"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthChecker(t *testing.T) {
	store := memory.NewStore()

	t.Run("全部依赖正常", func(t *testing.T) {
		hc := NewHealthChecker(store, nil)
		hc.AddDependency("redis", stubPinger{})

		results := hc.CheckHealth(context.Background())
		assert.Equal(t, "OK", results["database"])
		assert.Equal(t, "OK", results["redis"])
		assert.True(t, Healthy(results))

		w := httptest.NewRecorder()
		hc.ReadyHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("依赖故障时未就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(store, nil)
		hc.AddDependency("redis", stubPinger{err: errors.New("connection refused")})

		results := hc.CheckHealth(context.Background())
		assert.Contains(t, results["redis"], "connection refused")
		assert.False(t, Healthy(results))

		w := httptest.NewRecorder()
		hc.ReadyHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		w = httptest.NewRecorder()
		hc.LiveHandler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
