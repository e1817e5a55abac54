package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/component"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state string
	}{
		{"empty is healthy", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"degraded wins over healthy", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins over degraded", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("app", tt.subs)
			assert.Equal(t, tt.state, got.Status)
			assert.Equal(t, tt.state == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromComponentHealthSanitizes(t *testing.T) {
	st := FromComponentHealth("tcp-source", component.HealthStatus{
		Healthy:    false,
		LastError:  "dial tcp 10.0.0.4:11411: connection refused, token=abc123",
		ErrorCount: 3,
		Uptime:     time.Minute,
	})

	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "10.0.0.4")
	assert.NotContains(t, st.Message, "abc123")
	assert.Contains(t, st.Message, "[ADDR]")
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 3, st.Metrics.ErrorCount)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.Update("zeta", NewHealthy("", "ok"))
	m.Update("alpha", NewDegraded("", "slow"))

	st, ok := m.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, "zeta", st.Component)
	assert.Equal(t, []string{"alpha", "zeta"}, m.Names())

	agg := m.AggregateHealth("app")
	assert.True(t, agg.IsDegraded())
	assert.Equal(t, "alpha", agg.SubStatuses[0].Component)

	m.Remove("alpha")
	assert.True(t, m.AggregateHealth("app").IsHealthy())
}
