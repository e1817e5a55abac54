package component

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LifecycleFactory creates a fresh component for each sub-test
type LifecycleFactory func() LifecycleComponent

// StandardLifecycleTests checks the lifecycle contract every pipeline component follows
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, comp LifecycleComponent)
	}{
		{"StartStop", testStartStop},
		{"DoubleStart", testDoubleStart},
		{"DoubleStop", testDoubleStop},
		{"StopWithoutStart", testStopWithoutStart},
		{"NilContext", testNilContext},
		{"MetaNamed", testMetaNamed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NotNil(t, comp, "factory returned nil")
			tt.test(t, comp)
		})
	}

	t.Run("NoGoroutineLeaks", func(t *testing.T) {
		testNoGoroutineLeaks(t, factory)
	})
}

func testStartStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testDoubleStart(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.Error(t, comp.Start(ctx), "second Start should fail")
	assert.NoError(t, comp.Stop(5*time.Second))
}

func testDoubleStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx))
	assert.NoError(t, comp.Stop(5*time.Second))
	assert.NoError(t, comp.Stop(5*time.Second), "Stop must be idempotent")
}

func testStopWithoutStart(t *testing.T, comp LifecycleComponent) {
	assert.NoError(t, comp.Stop(time.Second))
}

func testNilContext(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())
	//nolint:staticcheck // nil context is the case under test
	assert.Error(t, comp.Start(nil))
	_ = comp.Stop(time.Second)
}

func testMetaNamed(t *testing.T, comp LifecycleComponent) {
	meta := comp.Meta()
	assert.NotEmpty(t, meta.Name)
	assert.NotEmpty(t, meta.Type)
}

func testNoGoroutineLeaks(t *testing.T, factory LifecycleFactory) {
	before := runtime.NumGoroutine()

	for range 5 {
		comp := factory()
		require.NoError(t, comp.Initialize())
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, comp.Start(ctx))
		require.NoError(t, comp.Stop(5*time.Second))
		cancel()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 3*time.Second, 50*time.Millisecond, "goroutines leaked across start/stop cycles")
}
