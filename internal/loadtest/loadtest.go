// Package loadtest drives concurrent session churn against a relay.
package loadtest

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/dgram-relay/internal/probe"
)

// ChurnMetrics contains the results of a session churn run.
type ChurnMetrics struct {
	TotalSessions      int64
	SuccessfulSessions int64
	FailedSessions     int64
	AvgLatencyMs       float64
	MaxLatencyMs       float64
	MinLatencyMs       float64
	Duration           time.Duration
	SessionsPerSecond  float64

	// Errors counts failures by their human readable description.
	Errors map[string]int64
}

// SessionFunc opens one session, completes one exchange and closes it. It
// returns how long the exchange took and a short description on failure.
type SessionFunc func(ctx context.Context) (latency time.Duration, detail string, err error)

// ProbeSession returns a SessionFunc that runs probe.Probe with opts.
func ProbeSession(opts probe.Options) SessionFunc {
	return func(ctx context.Context) (time.Duration, string, error) {
		result := probe.Probe(ctx, opts)
		if !result.Success {
			return 0, result.ErrorDetail, result.Error
		}
		return result.HandshakeRTT + result.RTT, "", nil
	}
}

// ChurnTester opens sessions back to back from concurrent workers.
type ChurnTester struct {
	concurrency int
	duration    time.Duration

	mu      sync.Mutex
	metrics ChurnMetrics
	latency float64
}

// NewChurnTester creates a tester with the given number of workers that
// runs for duration.
func NewChurnTester(concurrency int, duration time.Duration) *ChurnTester {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ChurnTester{
		concurrency: concurrency,
		duration:    duration,
	}
}

// Run executes the churn test until the duration elapses or ctx is done.
func (t *ChurnTester) Run(ctx context.Context, sessionFn SessionFunc) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	t.metrics = ChurnMetrics{
		MinLatencyMs: math.MaxFloat64,
		Errors:       make(map[string]int64),
	}
	t.latency = 0

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runWorker(ctx, sessionFn)
		}()
	}

	wg.Wait()

	m := t.metrics
	m.Duration = time.Since(startTime)

	// Calculate derived metrics
	if m.Duration > 0 {
		m.SessionsPerSecond = float64(m.SuccessfulSessions) / m.Duration.Seconds()
	}
	if m.SuccessfulSessions > 0 {
		m.AvgLatencyMs = t.latency / float64(m.SuccessfulSessions)
	} else {
		m.MinLatencyMs = 0
	}

	return &m, nil
}

func (t *ChurnTester) runWorker(ctx context.Context, sessionFn SessionFunc) {
	for ctx.Err() == nil {
		latency, detail, err := sessionFn(ctx)

		// a session cut short by the end of the run is not a failure
		if err != nil && ctx.Err() != nil {
			return
		}

		atomic.AddInt64(&t.metrics.TotalSessions, 1)
		if err != nil {
			atomic.AddInt64(&t.metrics.FailedSessions, 1)
			if detail == "" {
				detail = err.Error()
			}
			t.mu.Lock()
			t.metrics.Errors[detail]++
			t.mu.Unlock()
			continue
		}

		ms := float64(latency) / float64(time.Millisecond)

		t.mu.Lock()
		t.latency += ms
		if ms > t.metrics.MaxLatencyMs {
			t.metrics.MaxLatencyMs = ms
		}
		if ms < t.metrics.MinLatencyMs {
			t.metrics.MinLatencyMs = ms
		}
		t.mu.Unlock()

		atomic.AddInt64(&t.metrics.SuccessfulSessions, 1)
	}
}
