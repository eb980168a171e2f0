// Package loadtest drives client sessions against a running relay and
// reports handshake and round-trip statistics.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Exchanger is a client session that can round-trip a payload.
type Exchanger interface {
	Exchange(payload []byte) ([]byte, error)
	Close() error
}

// DialFunc opens a new session.
type DialFunc func(ctx context.Context) (Exchanger, error)

// SessionDialFunc adapts a Dialer to a DialFunc.
func SessionDialFunc(d Dialer) DialFunc {
	return func(ctx context.Context) (Exchanger, error) {
		return d.Dial(ctx)
	}
}

// EchoMetrics contains metrics from round-trip load testing.
type EchoMetrics struct {
	Sessions           int64
	FailedSessions     int64
	TotalExchanges     int64
	SuccessfulExchange int64
	FailedExchanges    int64
	Mismatches         int64
	TotalBytesWritten  int64
	TotalBytesRead     int64
	AvgLatencyMs       float64
	MaxLatencyMs       float64
	MinLatencyMs       float64
	Duration           time.Duration
	ExchangesPerSecond float64
	ThroughputMBps     float64
}

// ChurnMetrics contains metrics from session churn testing.
type ChurnMetrics struct {
	TotalSessions      int64
	SuccessfulConnects int64
	FailedConnects     int64
	AvgConnectTimeMs   float64
	MaxConnectTimeMs   float64
	Duration           time.Duration
	ChurnRate          float64
}

// latency accumulates round-trip times.
type latency struct {
	mu    sync.Mutex
	sum   float64
	count int64
	min   float64
	max   float64
}

func (l *latency) add(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 || ms < l.min {
		l.min = ms
	}
	if ms > l.max {
		l.max = ms
	}
	l.sum += ms
	l.count++
}

func (l *latency) avg() float64 {
	if l.count == 0 {
		return 0
	}
	return l.sum / float64(l.count)
}

// EchoLoadGenerator keeps concurrency sessions busy with DATA round trips.
type EchoLoadGenerator struct {
	concurrency int
	dataSize    int
	duration    time.Duration

	// Verify counts replies that differ from the request. Only meaningful
	// against a relay without an upstream, which echoes payloads back.
	Verify bool
}

// NewEchoLoadGenerator creates a new round-trip load generator.
func NewEchoLoadGenerator(concurrency, dataSize int, duration time.Duration) *EchoLoadGenerator {
	return &EchoLoadGenerator{
		concurrency: concurrency,
		dataSize:    dataSize,
		duration:    duration,
	}
}

// Run executes the load test. Each worker dials one session and reuses it.
func (g *EchoLoadGenerator) Run(ctx context.Context, dial DialFunc) (*EchoMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var (
		wg      sync.WaitGroup
		metrics EchoMetrics
		lat     latency
	)
	startTime := time.Now()

	for i := 0; i < g.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, dial, &metrics, &lat)
		}()
	}

	wg.Wait()
	metrics.Duration = time.Since(startTime)

	if metrics.Duration > 0 {
		seconds := metrics.Duration.Seconds()
		metrics.ExchangesPerSecond = float64(metrics.SuccessfulExchange) / seconds
		totalBytes := float64(metrics.TotalBytesWritten + metrics.TotalBytesRead)
		metrics.ThroughputMBps = totalBytes / (1024 * 1024) / seconds
	}
	metrics.AvgLatencyMs = lat.avg()
	metrics.MinLatencyMs = lat.min
	metrics.MaxLatencyMs = lat.max

	return &metrics, nil
}

func (g *EchoLoadGenerator) runWorker(ctx context.Context, dial DialFunc, metrics *EchoMetrics, lat *latency) {
	sess, err := dial(ctx)
	atomic.AddInt64(&metrics.Sessions, 1)
	if err != nil {
		atomic.AddInt64(&metrics.FailedSessions, 1)
		return
	}
	defer sess.Close()

	data := make([]byte, g.dataSize)
	rand.Read(data)

	for ctx.Err() == nil {
		start := time.Now()
		reply, err := sess.Exchange(data)
		atomic.AddInt64(&metrics.TotalExchanges, 1)
		if err != nil {
			atomic.AddInt64(&metrics.FailedExchanges, 1)
			if errors.Is(err, ErrRejected) {
				return
			}
			continue
		}

		atomic.AddInt64(&metrics.TotalBytesWritten, int64(len(data)))
		atomic.AddInt64(&metrics.TotalBytesRead, int64(len(reply)))
		if g.Verify && !bytes.Equal(reply, data) {
			atomic.AddInt64(&metrics.Mismatches, 1)
		}

		lat.add(time.Since(start))
		atomic.AddInt64(&metrics.SuccessfulExchange, 1)
	}
}

// ChurnTester opens sessions back to back and measures handshake time.
type ChurnTester struct {
	concurrency int
	duration    time.Duration

	// Limit caps the number of handshakes. Every session holds a relay
	// port until its lifetime runs out, so unbounded churn drains the
	// port range. Zero means no cap.
	Limit int64
}

// NewChurnTester creates a new session churn tester.
func NewChurnTester(concurrency int, duration time.Duration) *ChurnTester {
	return &ChurnTester{
		concurrency: concurrency,
		duration:    duration,
	}
}

// Run executes the churn test.
func (t *ChurnTester) Run(ctx context.Context, dial DialFunc) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var (
		wg      sync.WaitGroup
		metrics ChurnMetrics
		lat     latency
	)
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runChurnWorker(ctx, dial, &metrics, &lat)
		}()
	}

	wg.Wait()
	metrics.Duration = time.Since(startTime)

	if metrics.Duration > 0 {
		metrics.ChurnRate = float64(metrics.TotalSessions) / metrics.Duration.Seconds()
	}
	metrics.AvgConnectTimeMs = lat.avg()
	metrics.MaxConnectTimeMs = lat.max

	return &metrics, nil
}

func (t *ChurnTester) runChurnWorker(ctx context.Context, dial DialFunc, metrics *ChurnMetrics, lat *latency) {
	for ctx.Err() == nil {
		n := atomic.AddInt64(&metrics.TotalSessions, 1)
		if t.Limit > 0 && n > t.Limit {
			atomic.AddInt64(&metrics.TotalSessions, -1)
			return
		}

		start := time.Now()
		sess, err := dial(ctx)
		if err != nil {
			atomic.AddInt64(&metrics.FailedConnects, 1)
			continue
		}
		lat.add(time.Since(start))
		atomic.AddInt64(&metrics.SuccessfulConnects, 1)

		sess.Close()
	}
}
