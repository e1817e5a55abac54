package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/health"
	"github.com/saacpsi/psistreams/metric"
)

// waitFor polls cond until it holds or timeout elapses
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_Creation(t *testing.T) {
	service := NewBaseService("test-service", WithMetrics(metric.NewMetricsRegistry()))

	assert.Equal(t, "test-service", service.Name())
	assert.Equal(t, StatusStopped, service.Status())
	assert.False(t, service.IsHealthy())
	assert.NotNil(t, service.Metrics())
	assert.True(t, service.Health().IsUnhealthy())
}

func TestService_MetricsNilWithoutRegistry(t *testing.T) {
	service := NewBaseService("bare")
	assert.Nil(t, service.Metrics())
}

func TestService_Lifecycle(t *testing.T) {
	service := NewBaseService("test-service", WithHealthInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, service.Start(ctx))
	assert.Equal(t, StatusRunning, service.Status())
	assert.True(t, service.IsHealthy())
	assert.True(t, service.Health().IsHealthy())

	info := service.GetStatus()
	assert.Equal(t, "test-service", info.Name)
	assert.False(t, info.StartTime.IsZero())
	assert.GreaterOrEqual(t, info.HealthChecks, int64(1))

	// a second start is a no-op
	require.NoError(t, service.Start(ctx))

	require.NoError(t, service.Stop(time.Second))
	assert.Equal(t, StatusStopped, service.Status())
	assert.False(t, service.IsHealthy())
	require.NoError(t, service.Stop(time.Second))
}

func TestService_HealthCheckFailure(t *testing.T) {
	var calls atomic.Int64
	var failing atomic.Bool
	changes := make(chan bool, 10)

	service := NewBaseService("checked",
		WithHealthInterval(20*time.Millisecond),
		WithHealthCheck(func() error {
			calls.Add(1)
			if failing.Load() {
				return fmt.Errorf("boom")
			}
			return nil
		}),
		OnHealthChange(func(healthy bool) {
			select {
			case changes <- healthy:
			default:
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, service.Start(ctx))
	defer func() { _ = service.Stop(time.Second) }()

	assert.True(t, service.IsHealthy())
	failing.Store(true)
	require.True(t, waitFor(func() bool { return !service.IsHealthy() }, time.Second))

	st := service.Health()
	assert.Equal(t, health.StateUnhealthy, st.Status)
	assert.Contains(t, st.Message, "failed checks")
	assert.Positive(t, service.GetStatus().FailedHealthChecks)

	// the first check reports healthy, the failing one unhealthy
	seen := []bool{}
	for len(seen) < 2 {
		select {
		case healthy := <-changes:
			seen = append(seen, healthy)
		case <-time.After(time.Second):
			t.Fatalf("health changes not reported, got %v", seen)
		}
	}
	assert.Equal(t, []bool{true, false}, seen)
	assert.Greater(t, calls.Load(), int64(1))
}

func TestService_ContextCancellation(t *testing.T) {
	service := NewBaseService("cancelled", WithHealthInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, service.Start(ctx))
	cancel()

	assert.True(t, waitFor(func() bool { return service.Status() == StatusStopped }, time.Second))
	require.NoError(t, service.Stop(time.Second))
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusStopped, "stopped"},
		{StatusStarting, "starting"},
		{StatusRunning, "running"},
		{StatusStopping, "stopping"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestManager_StartStopOrder(t *testing.T) {
	m := NewManager(nil)
	first := NewBaseService("first", WithHealthInterval(time.Hour))
	second := NewBaseService("second", WithHealthInterval(time.Hour))
	require.NoError(t, m.Register(first))
	require.NoError(t, m.Register(second))
	require.Error(t, m.Register(NewBaseService("first")))

	require.NoError(t, m.StartAll(context.Background(), time.Second))
	assert.Equal(t, StatusRunning, first.Status())
	assert.Equal(t, StatusRunning, second.Status())
	assert.True(t, m.Health().IsHealthy())

	require.NoError(t, m.StopAll(time.Second))
	assert.Equal(t, StatusStopped, first.Status())
	assert.Equal(t, StatusStopped, second.Status())
	assert.False(t, m.Health().IsHealthy())
}
