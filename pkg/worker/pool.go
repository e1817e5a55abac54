// Package worker provides a generic worker pool. With a single worker it
// doubles as an ordered background writer: items are processed in submission order.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saacpsi/psistreams/metric"
)

// Pool processes items of type T on a fixed set of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onError   func(T, error)

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	metrics         *poolMetrics
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime prometheus.Histogram
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool metrics labelled with prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithErrorHandler is called with every item whose processing failed
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool. Non-positive workers default to 10, queueSize to 1000.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.metrics = p.registerMetrics()
	}
	return p
}

func (p *Pool[T]) registerMetrics() *poolMetrics {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "queue_depth",
			Help: "Items waiting in the pool queue", ConstLabels: labels,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "processed_total",
			Help: "Items processed", ConstLabels: labels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "failed_total",
			Help: "Items whose processing failed", ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "dropped_total",
			Help: "Items rejected because the queue was full", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "worker_pool", Name: "processing_seconds",
			Help: "Time spent processing one item", ConstLabels: labels,
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	// registration conflicts leave the pool working without metrics
	reg := p.metricsRegistry
	if reg.RegisterGauge("worker_pool", p.metricsPrefix+"_queue_depth", m.queueDepth) != nil {
		return nil
	}
	_ = reg.RegisterCounter("worker_pool", p.metricsPrefix+"_processed_total", m.processed)
	_ = reg.RegisterCounter("worker_pool", p.metricsPrefix+"_failed_total", m.failed)
	_ = reg.RegisterCounter("worker_pool", p.metricsPrefix+"_dropped_total", m.dropped)
	_ = reg.RegisterHistogram("worker_pool", p.metricsPrefix+"_processing_seconds", m.processingTime)
	return m
}

// Start launches the workers; they exit when ctx is cancelled or Stop drains the queue
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for range p.workers {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues work without blocking; ErrQueueFull when the queue is at capacity
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.acceptingLocked(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, blocking while the queue is full until ctx is done
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.acceptingLocked(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) acceptingLocked() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Stop closes the queue and waits for the queued items to be processed
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// PoolStats is a snapshot of the pool counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.processor(ctx, work)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(work, err)
		}
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.processingTime.Observe(time.Since(start).Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}
