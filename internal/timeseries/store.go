// Package timeseries holds the bounded, timestamp-ordered sample buffers that
// back each ingested stream.
package timeseries

import (
	"sync"
	"time"

	"github.com/smartcity/intersection/internal/domain"
)

// Store keeps samples in non-decreasing timestamp order and evicts only from
// the oldest end.
//
// Appends are assumed to arrive in order relative to the retained content.
// An out-of-order append is not corrected and leaves the ordering undefined.
type Store[T domain.Timestamped] struct {
	mu         sync.RWMutex
	items      []T
	retainLast int
	keyed      bool
}

// Option configures a Store.
type Option func(*settings)

type settings struct {
	retainLast int
	keyed      bool
}

// WithRetainLast bounds the store to the newest n samples.
func WithRetainLast(n int) Option {
	return func(s *settings) { s.retainLast = n }
}

// WithTimestampKey keeps one sample per timestamp: appending a sample whose
// timestamp equals the newest retained one overwrites it.
func WithTimestampKey() Option {
	return func(s *settings) { s.keyed = true }
}

// New creates an empty store.
func New[T domain.Timestamped](opts ...Option) *Store[T] {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	return &Store[T]{retainLast: s.retainLast, keyed: s.keyed}
}

// Append adds samples at the newest end.
func (s *Store[T]) Append(samples ...T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(samples)
}

// Replace discards the current content and loads samples, which must already
// be sorted ascending.
func (s *Store[T]) Replace(samples []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.appendLocked(samples)
}

// Reset empties the store.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

// PruneOlderThan removes the maximal prefix of samples strictly older than
// cutoff and returns how many were removed.
func (s *Store[T]) PruneOlderThan(cutoff domain.Timestamp) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(cutoff)
}

// MergeIncremental applies one live delivery: the retention cutoff is the
// newest incoming timestamp minus width, older retained samples are evicted
// and the new samples appended. It returns the number of evicted samples.
func (s *Store[T]) MergeIncremental(samples []T, width time.Duration) int {
	if len(samples) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	curr := samples[len(samples)-1].At()
	pruned := s.pruneLocked(curr.Add(-width))
	s.appendLocked(samples)
	return pruned
}

// Snapshot returns a copy of the retained samples, oldest first.
func (s *Store[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

// Latest returns the newest sample.
func (s *Store[T]) Latest() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	return s.items[len(s.items)-1], true
}

// Len returns the number of retained samples.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store[T]) appendLocked(samples []T) {
	for _, sample := range samples {
		if s.keyed && len(s.items) > 0 && s.items[len(s.items)-1].At() == sample.At() {
			s.items[len(s.items)-1] = sample
			continue
		}
		s.items = append(s.items, sample)
	}
	if s.retainLast > 0 && len(s.items) > s.retainLast {
		s.dropPrefixLocked(len(s.items) - s.retainLast)
	}
}

// pruneLocked scans forward for the first sample at or after cutoff. The
// scan is linear; stores are bounded by the retention window.
func (s *Store[T]) pruneLocked(cutoff domain.Timestamp) int {
	boundary := 0
	for boundary < len(s.items) && s.items[boundary].At() < cutoff {
		boundary++
	}
	s.dropPrefixLocked(boundary)
	return boundary
}

func (s *Store[T]) dropPrefixLocked(n int) {
	if n <= 0 {
		return
	}
	kept := copy(s.items, s.items[n:])
	clear(s.items[kept:])
	s.items = s.items[:kept]
}
