package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/errors"
)

type fakeReport struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (f fakeReport) IsHealthy() bool { return f.OK }

func gathered(t *testing.T, r *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestRegisterAndGather(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "frames_test_total", Help: "test"})
	require.NoError(t, r.RegisterCounter("tcp-source", "frames", counter))
	counter.Add(3)

	mf := gathered(t, r, "frames_test_total")
	require.NotNil(t, mf)
	assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
}

func TestDuplicateRegistrationIsInvalid(t *testing.T) {
	r := NewMetricsRegistry()
	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})

	require.NoError(t, r.RegisterGauge("svc", "dup", g1))

	err := r.RegisterGauge("svc", "dup", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same prometheus name under another key conflicts inside prometheus
	err = r.RegisterGauge("other", "dup", g2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "latency_test_seconds", Help: "test"})

	require.NoError(t, r.RegisterHistogram("svc", "latency", h))
	assert.True(t, r.Unregister("svc", "latency"))
	assert.False(t, r.Unregister("svc", "latency"))
	require.NoError(t, r.RegisterHistogram("svc", "latency", h), "re-register after unregister")
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_%d_total", i), Help: "test",
			})
			assert.NoError(t, r.RegisterCounter("svc", fmt.Sprintf("c%d", i), c))
		}(i)
	}
	wg.Wait()
}

func TestCoreMetricsRecorders(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.RecordPosted("root", "Positions")
	m.RecordPosted("root", "Positions")
	m.RecordFrameSent("tcp", "Positions")
	m.RecordProcesses(3)
	m.RecordPipelineStatus("root", 2)
	m.RecordStoreWrite("Sess1-Alice-Positions")
	m.RecordError("tcp-source", "transient")
	m.RecordCommand("Run")

	mf := gathered(t, r, "psistreams_emitter_posted_total")
	require.NotNil(t, mf)
	assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())

	mf = gathered(t, r, "psistreams_rendezvous_processes")
	require.NotNil(t, mf)
	assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())

	assert.NotNil(t, gathered(t, r, "go_goroutines"), "runtime collectors registered")
}

func TestServerHandler(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordProcesses(1)

	healthy := true
	srv := NewServer(9999, "", r, func() HealthReport {
		if healthy {
			return fakeReport{OK: true, Message: "ok"}
		}
		return fakeReport{Message: "rendezvous lost"}
	})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "psistreams_rendezvous_processes"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "rendezvous lost")

	assert.Equal(t, "http://localhost:9999/metrics", srv.Address())
}
