package component

import (
	"sync"
	"sync/atomic"
	"time"
)

// Activity accumulates the counters behind Health and DataFlow. Embed it in a
// component and call MarkStarted from Start.
type Activity struct {
	running  atomic.Bool
	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	last     atomic.Int64 // unix nanos

	mu        sync.RWMutex
	startTime time.Time
	lastError string
}

// MarkStarted records the start time and flips the running flag
func (a *Activity) MarkStarted() {
	a.mu.Lock()
	a.startTime = time.Now()
	a.mu.Unlock()
	a.running.Store(true)
}

// MarkStopped clears the running flag
func (a *Activity) MarkStopped() {
	a.running.Store(false)
}

// Running reports whether MarkStarted was called without a later MarkStopped
func (a *Activity) Running() bool {
	return a.running.Load()
}

// RecordMessage counts one message of n bytes
func (a *Activity) RecordMessage(n int) {
	a.messages.Add(1)
	a.bytes.Add(int64(n))
	a.last.Store(time.Now().UnixNano())
}

// RecordError counts an error and keeps its message
func (a *Activity) RecordError(err error) {
	if err == nil {
		return
	}
	a.errors.Add(1)
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
}

// Messages returns the number of messages recorded
func (a *Activity) Messages() int64 {
	return a.messages.Load()
}

// HealthStatus builds a HealthStatus; healthy additionally requires the component to be running
func (a *Activity) HealthStatus(healthy bool) HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var uptime time.Duration
	if !a.startTime.IsZero() {
		uptime = time.Since(a.startTime)
	}
	return HealthStatus{
		Healthy:    healthy && a.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(a.errors.Load()),
		LastError:  a.lastError,
		Uptime:     uptime,
	}
}

// FlowMetrics derives rates from the counters over the uptime
func (a *Activity) FlowMetrics() FlowMetrics {
	a.mu.RLock()
	start := a.startTime
	a.mu.RUnlock()

	messages := a.messages.Load()
	var fm FlowMetrics
	if !start.IsZero() {
		if uptime := time.Since(start).Seconds(); uptime > 0 {
			fm.MessagesPerSecond = float64(messages) / uptime
			fm.BytesPerSecond = float64(a.bytes.Load()) / uptime
		}
	}
	if messages > 0 {
		fm.ErrorRate = float64(a.errors.Load()) / float64(messages)
	}
	if last := a.last.Load(); last > 0 {
		fm.LastActivity = time.Unix(0, last)
	}
	return fm
}
