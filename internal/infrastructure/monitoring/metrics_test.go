package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordNavigation("load", "committed", time.Second)
		m.RecordProcessSwap("cross_site")
		m.SetRetiredCacheSize(3)
		m.RecordRetiredCacheLookup(true)
		NewTimer(m, "session", "save").Stop("success")
	})
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
}

func TestRecordersUpdateCountersAndSnapshot(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordNavigation("load", "committed", 10*time.Millisecond)
	m.RecordNavigation("load", "failed", 10*time.Millisecond)
	m.RecordProcessSwap("cross_site")
	m.RecordRetiredCacheLookup(true)
	m.RecordRetiredCacheLookup(false)
	m.RecordRetiredCacheLookup(false)
	m.SetRetiredCacheSize(2)
	m.SetProcessesLive(4)
	m.RecordProtocolViolation("did_commit_load")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NavigationsTotal.WithLabelValues("load", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProcessSwaps.WithLabelValues("cross_site")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetiredCacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetiredCacheSize))

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.Navigations)
	assert.EqualValues(t, 1, snap.FailedNavigations)
	assert.EqualValues(t, 1, snap.ProcessSwaps)
	assert.EqualValues(t, 1, snap.CacheHits)
	assert.EqualValues(t, 2, snap.CacheMisses)
	assert.EqualValues(t, 4, snap.LiveProcesses)
	assert.EqualValues(t, 1, snap.ProtocolViolations)
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/pages/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pages/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/pages/:id", "200")))
	assert.EqualValues(t, 1, m.Snapshot().HTTPRequests)
}
