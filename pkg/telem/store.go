package telem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/markus-lassfolk/ccaswitch/pkg"
)

// Store keeps recent snapshots and decisions in RAM ring buffers
type Store struct {
	mu sync.RWMutex

	// Configuration
	retention time.Duration

	// Ring buffers
	samples *RingBuffer[*pkg.MetricsSnapshot]
	events  *RingBuffer[*pkg.Decision]

	lastCleanup time.Time
	now         func() time.Time
}

// NewStore creates a telemetry store holding up to capacity snapshots and
// decisions for at most retentionHours
func NewStore(retentionHours, capacity int) (*Store, error) {
	if retentionHours < 1 || retentionHours > 168 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be positive")
	}

	return &Store{
		retention: time.Duration(retentionHours) * time.Hour,
		samples: NewRingBuffer(capacity, func(s *pkg.MetricsSnapshot) time.Time {
			return s.Timestamp
		}),
		events: NewRingBuffer(capacity, func(d *pkg.Decision) time.Time {
			return d.Timestamp
		}),
		lastCleanup: time.Now(),
		now:         time.Now,
	}, nil
}

// AddSnapshot implements pkg.SnapshotSink
func (s *Store) AddSnapshot(ctx context.Context, snap *pkg.MetricsSnapshot) error {
	s.samples.Add(snap)
	s.maybeCleanup()
	return nil
}

// Record implements decision.Recorder
func (s *Store) Record(ctx context.Context, d *pkg.Decision) error {
	s.events.Add(d)
	s.maybeCleanup()
	return nil
}

// GetSamples returns snapshots newer than since, oldest first
func (s *Store) GetSamples(since time.Time) []*pkg.MetricsSnapshot {
	return s.samples.GetSince(since)
}

// GetEvents returns up to limit decisions newer than since, oldest first
func (s *Store) GetEvents(since time.Time, limit int) []*pkg.Decision {
	events := s.events.GetSince(since)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// Latest returns the newest snapshot, or nil
func (s *Store) Latest() *pkg.MetricsSnapshot {
	latest, _ := s.samples.Last()
	return latest
}

// Summary aggregates the snapshots of a time window
type Summary struct {
	Samples           int       `json:"samples"`
	Since             time.Time `json:"since"`
	MeanRTTMS         float64   `json:"mean_rtt_ms"`
	MeanThroughput    float64   `json:"mean_throughput_mbps"`
	MeanLossPercent   float64   `json:"mean_loss_percent"`
	MeanBufferbloatMS float64   `json:"mean_bufferbloat_ms,omitempty"`
	StdDevRTTMS       float64   `json:"stddev_rtt_ms"`
	Retransmits       int64     `json:"retransmits"`
}

// Summarize returns the window summary of snapshots newer than since
func (s *Store) Summarize(since time.Time) Summary {
	samples := s.GetSamples(since)
	sum := Summary{Samples: len(samples), Since: since}
	if len(samples) == 0 {
		return sum
	}

	rtt := make([]float64, len(samples))
	tput := make([]float64, len(samples))
	loss := make([]float64, len(samples))
	var bloat []float64
	for i, snap := range samples {
		rtt[i] = snap.RTT()
		tput[i] = snap.Throughput()
		loss[i] = snap.Loss()
		if b, ok := snap.Bufferbloat(); ok {
			bloat = append(bloat, b)
		}
		sum.Retransmits += snap.Retransmits
	}

	sum.MeanRTTMS, sum.StdDevRTTMS = stat.PopMeanStdDev(rtt, nil)
	sum.MeanThroughput = stat.Mean(tput, nil)
	sum.MeanLossPercent = stat.Mean(loss, nil)
	if len(bloat) > 0 {
		sum.MeanBufferbloatMS = stat.Mean(bloat, nil)
	}
	return sum
}

// Cleanup removes data older than the retention period
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Store) cleanupLocked() {
	cutoff := s.now().Add(-s.retention)
	s.samples.RemoveBefore(cutoff)
	s.events.RemoveBefore(cutoff)
	s.lastCleanup = s.now()
}

func (s *Store) maybeCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(s.lastCleanup) > time.Hour {
		s.cleanupLocked()
	}
}

// Counts returns the number of stored snapshots and decisions
func (s *Store) Counts() (samples, events int) {
	return s.samples.Size(), s.events.Size()
}

// Close drops all data
func (s *Store) Close() error {
	s.samples.Reset()
	s.events.Reset()
	return nil
}

// RingBuffer is a thread-safe ring buffer of timestamped items
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	head     int
	size     int
	stamp    func(T) time.Time
}

// NewRingBuffer creates a ring buffer; stamp returns the time of an item
func NewRingBuffer[T any](capacity int, stamp func(T) time.Time) *RingBuffer[T] {
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		stamp:    stamp,
	}
}

// Add adds an item, overwriting the oldest when full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = item
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns items stamped after since, oldest first
func (rb *RingBuffer[T]) GetSince(since time.Time) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]T, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		item := rb.data[(rb.head+i)%rb.capacity]
		if rb.stamp(item).After(since) {
			result = append(result, item)
		}
	}
	return result
}

// Last returns the newest item
func (rb *RingBuffer[T]) Last() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.data[(rb.head+rb.size-1)%rb.capacity], true
}

// RemoveBefore drops the leading items stamped before the cutoff and
// returns how many were removed
func (rb *RingBuffer[T]) RemoveBefore(before time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	removed := 0
	for rb.size > 0 && rb.stamp(rb.data[rb.head]).Before(before) {
		rb.data[rb.head] = zero
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// Reset empties the buffer
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = make([]T, rb.capacity)
	rb.head = 0
	rb.size = 0
}

// Size returns the current number of items
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the buffer capacity
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}
