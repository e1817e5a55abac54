package component

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/errors"
)

type tickerComponent struct {
	*Runner
	ticks chan struct{}
}

func newTickerComponent() *tickerComponent {
	return &tickerComponent{Runner: NewRunner("ticker"), ticks: make(chan struct{}, 100)}
}

func (c *tickerComponent) Meta() Metadata {
	return Metadata{Name: "ticker", Type: "source"}
}
func (c *tickerComponent) Health() HealthStatus { return c.HealthStatus(true) }
func (c *tickerComponent) DataFlow() FlowMetrics { return c.FlowMetrics() }
func (c *tickerComponent) Initialize() error    { return nil }

func (c *tickerComponent) Start(ctx context.Context) error {
	runCtx, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	c.Go(func() {
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				c.RecordMessage(0)
				select {
				case c.ticks <- struct{}{}:
				default:
				}
			}
		}
	})
	return nil
}

func (c *tickerComponent) Stop(timeout time.Duration) error { return c.End(timeout) }

func TestRunner_Lifecycle(t *testing.T) {
	StandardLifecycleTests(t, func() LifecycleComponent { return newTickerComponent() })
}

func TestRunner_SecondStartIsInvalid(t *testing.T) {
	c := newTickerComponent()
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	assert.True(t, errors.IsInvalid(err))
}

func TestRunner_StopTimeout(t *testing.T) {
	r := NewRunner("stuck")
	_, err := r.Begin(context.Background())
	require.NoError(t, err)

	release := make(chan struct{})
	r.Go(func() { <-release })

	err = r.End(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	close(release)
}

func TestRunner_ParentCancelStopsGoroutines(t *testing.T) {
	c := newTickerComponent()
	assert.Equal(t, StateCreated, c.State())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateStarted, c.State())

	<-c.ticks
	cancel()
	assert.NoError(t, c.Stop(time.Second))
	assert.True(t, c.Started())
	assert.Equal(t, StateStopped, c.State())
	assert.Positive(t, c.Messages())
}
