package timeseries

import (
	"math"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time for testing.
type mockClock struct {
	mu   sync.Mutex
	time time.Time
}

func newMockClock() *mockClock {
	return &mockClock{time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}

func near(got, want, tolerance float64) bool {
	return math.Abs(got-want) <= tolerance*want
}

func TestEstimator_DefaultUntilEnoughData(t *testing.T) {
	e := NewThroughputEstimatorWithClock(DefaultEstimatorConfig(), newMockClock())

	if got := e.Estimate(); got != 1_000_000 {
		t.Errorf("Estimate() with no data = %f, want default", got)
	}

	// Below MinFetchBytes: counted but not sampled.
	e.AddFetch(1000, time.Millisecond)
	if got := e.Estimate(); got != 1_000_000 {
		t.Errorf("Estimate() after tiny fetch = %f, want default", got)
	}

	// One sample, still under MinTotalBytes.
	e.AddFetch(64*1024, 100*time.Millisecond)
	if got := e.Estimate(); got != 1_000_000 {
		t.Errorf("Estimate() under MinTotalBytes = %f, want default", got)
	}

	s := e.Stats()
	if s.TotalBytes != 1000+64*1024 || s.Fetches != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestEstimator_ConstantRate(t *testing.T) {
	e := NewThroughputEstimatorWithClock(DefaultEstimatorConfig(), newMockClock())

	// 250 KB per second is 2,048,000 bits per second.
	for i := 0; i < 5; i++ {
		e.AddFetch(250*1024, time.Second)
	}
	if got := e.Estimate(); !near(got, 2_048_000, 0.001) {
		t.Errorf("Estimate() = %f, want ~2048000", got)
	}
}

func TestEstimator_DropsQuicklyRisesSlowly(t *testing.T) {
	tests := []struct {
		name      string
		first     time.Duration
		second    time.Duration
		wantBelow float64
	}{
		// The fast average follows the drop; min picks it.
		{"drop", time.Second, 4 * time.Second, 1_000_000},
		// The slow average lags the rise; min picks it.
		{"rise", 4 * time.Second, time.Second, 1_200_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewThroughputEstimatorWithClock(DefaultEstimatorConfig(), newMockClock())
			for i := 0; i < 5; i++ {
				e.AddFetch(256*1024, tt.first)
			}
			for i := 0; i < 2; i++ {
				e.AddFetch(256*1024, tt.second)
			}
			s := e.Stats()
			if s.EstimateBps != math.Min(s.FastBps, s.SlowBps) {
				t.Errorf("EstimateBps = %f, want min(%f, %f)", s.EstimateBps, s.FastBps, s.SlowBps)
			}
			if s.EstimateBps >= tt.wantBelow {
				t.Errorf("EstimateBps = %f, want < %f", s.EstimateBps, tt.wantBelow)
			}
		})
	}
}

func TestEstimator_RollingAverage(t *testing.T) {
	clock := newMockClock()
	e := NewThroughputEstimatorWithClock(DefaultEstimatorConfig(), clock)

	for i := 1; i <= 10; i++ {
		e.AddBytes(int64(i * 100))
		clock.Advance(time.Second)
		e.RecordSample()
	}

	s := e.Stats()
	if s.TotalBytes != 5500 {
		t.Errorf("TotalBytes = %d, want 5500", s.TotalBytes)
	}
	if !near(s.Avg1s, 1000, 0.01) {
		t.Errorf("Avg1s = %f, want ~1000", s.Avg1s)
	}
	if !near(s.Avg10s, 550, 0.01) {
		t.Errorf("Avg10s = %f, want ~550", s.Avg10s)
	}
	// History is shorter than 30s so the oldest sample is used.
	if !near(s.Avg30s, 550, 0.01) {
		t.Errorf("Avg30s = %f, want ~550", s.Avg30s)
	}
	if !near(s.AvgOverall, 550, 0.01) {
		t.Errorf("AvgOverall = %f, want ~550", s.AvgOverall)
	}
}

func TestEstimator_RingBufferWraps(t *testing.T) {
	clock := newMockClock()
	e := NewThroughputEstimatorWithClock(DefaultEstimatorConfig(), clock)

	for i := 0; i < ringBufferSize*2; i++ {
		e.AddBytes(100)
		clock.Advance(time.Second)
		e.RecordSample()
	}
	if got := e.SampleCount(); got != ringBufferSize {
		t.Errorf("SampleCount() = %d, want %d", got, ringBufferSize)
	}
	if s := e.Stats(); !near(s.Avg30s, 100, 0.01) {
		t.Errorf("Avg30s = %f, want ~100", s.Avg30s)
	}
}

func TestEstimator_Reset(t *testing.T) {
	clock := newMockClock()
	e := NewThroughputEstimatorWithClock(DefaultEstimatorConfig(), clock)
	for i := 0; i < 5; i++ {
		e.AddFetch(256*1024, time.Second)
		e.RecordSample()
	}

	e.Reset()

	s := e.Stats()
	if s.TotalBytes != 0 || s.Fetches != 0 || s.FastBps != 0 {
		t.Errorf("Stats() after Reset = %+v", s)
	}
	if e.SampleCount() != 1 {
		t.Errorf("SampleCount() after Reset = %d, want 1", e.SampleCount())
	}
	if e.Estimate() != DefaultEstimatorConfig().DefaultBps {
		t.Errorf("Estimate() after Reset = %f", e.Estimate())
	}
}

func TestEstimator_ConcurrentAccess(t *testing.T) {
	e := NewThroughputEstimator(DefaultEstimatorConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e.AddFetch(32*1024, 10*time.Millisecond)
				e.RecordSample()
				_ = e.Stats()
			}
		}()
	}
	wg.Wait()

	if got := e.Stats().TotalBytes; got != 8*200*32*1024 {
		t.Errorf("TotalBytes = %d", got)
	}
}

func BenchmarkEstimator_AddFetch(b *testing.B) {
	e := NewThroughputEstimator(DefaultEstimatorConfig())
	for i := 0; i < b.N; i++ {
		e.AddFetch(64*1024, 50*time.Millisecond)
	}
}

func BenchmarkEstimator_Stats(b *testing.B) {
	e := NewThroughputEstimator(DefaultEstimatorConfig())
	for i := 0; i < ringBufferSize; i++ {
		e.AddBytes(1000)
		e.RecordSample()
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = e.Stats()
	}
}
