package timeseries

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/intersection/internal/domain"
)

type sample struct {
	ts    domain.Timestamp
	label string
}

func (s sample) At() domain.Timestamp { return s.ts }

func samplesAt(ts ...domain.Timestamp) []sample {
	out := make([]sample, len(ts))
	for i, t := range ts {
		out[i] = sample{ts: t}
	}
	return out
}

func timestamps(items []sample) []domain.Timestamp {
	out := make([]domain.Timestamp, len(items))
	for i, it := range items {
		out[i] = it.ts
	}
	return out
}

func TestStoreAppendKeepsOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		s := New[sample]()
		var next domain.Timestamp
		for batch := 0; batch < 20; batch++ {
			n := rng.Intn(5)
			items := make([]sample, n)
			for i := range items {
				next += domain.Timestamp(rng.Intn(3))
				items[i] = sample{ts: next}
			}
			s.Append(items...)
			if rng.Intn(4) == 0 {
				s.PruneOlderThan(next - domain.Timestamp(rng.Intn(10)))
			}
		}
		got := timestamps(s.Snapshot())
		assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }), "run %d: %v", run, got)
	}
}

func TestStorePruneOlderThan(t *testing.T) {
	tests := []struct {
		name    string
		items   []domain.Timestamp
		cutoff  domain.Timestamp
		removed int
		want    []domain.Timestamp
	}{
		{"empty store", nil, 100, 0, []domain.Timestamp{}},
		{"nothing older", []domain.Timestamp{200, 300}, 100, 0, []domain.Timestamp{200, 300}},
		{"equal to cutoff is kept", []domain.Timestamp{100, 200}, 100, 0, []domain.Timestamp{100, 200}},
		{"prefix removed", []domain.Timestamp{100, 200, 300, 400}, 250, 2, []domain.Timestamp{300, 400}},
		{"everything older", []domain.Timestamp{1, 2, 3}, 10, 3, []domain.Timestamp{}},
		{"duplicates at boundary", []domain.Timestamp{5, 5, 7, 7}, 7, 2, []domain.Timestamp{7, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New[sample]()
			s.Append(samplesAt(tt.items...)...)
			removed := s.PruneOlderThan(tt.cutoff)
			assert.Equal(t, tt.removed, removed)
			assert.Equal(t, tt.want, timestamps(s.Snapshot()))
			for _, ts := range timestamps(s.Snapshot()) {
				assert.GreaterOrEqual(t, ts, tt.cutoff)
			}
		})
	}
}

func TestStoreMergeIncremental(t *testing.T) {
	// Retained 200..800, new sample at 1000, width 500: cutoff is 500.
	s := New[sample]()
	s.Append(samplesAt(200, 400, 600, 800)...)

	pruned := s.MergeIncremental(samplesAt(1000), 500*time.Millisecond)

	assert.Equal(t, 2, pruned)
	assert.Equal(t, []domain.Timestamp{600, 800, 1000}, timestamps(s.Snapshot()))
}

func TestStoreMergeIncrementalKeepsWhenNothingOld(t *testing.T) {
	s := New[sample]()
	s.Append(samplesAt(900, 950)...)

	pruned := s.MergeIncremental(samplesAt(1000), time.Second)

	assert.Zero(t, pruned)
	assert.Equal(t, []domain.Timestamp{900, 950, 1000}, timestamps(s.Snapshot()))
}

func TestStoreMergeIncrementalEmptyBatch(t *testing.T) {
	s := New[sample]()
	s.Append(samplesAt(1, 2)...)
	assert.Zero(t, s.MergeIncremental(nil, time.Millisecond))
	assert.Equal(t, 2, s.Len())
}

func TestStoreRetainLast(t *testing.T) {
	s := New[sample](WithRetainLast(1))
	s.Append(samplesAt(10, 20)...)
	s.MergeIncremental(samplesAt(30), time.Hour)

	require.Equal(t, 1, s.Len())
	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, domain.Timestamp(30), latest.ts)
}

func TestStoreTimestampKeyOverwrites(t *testing.T) {
	s := New[sample](WithTimestampKey())
	s.Append(sample{ts: 10, label: "a"}, sample{ts: 20, label: "b"})
	s.Append(sample{ts: 20, label: "c"}, sample{ts: 30, label: "d"})

	got := s.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[1].label)
}

func TestStoreReplaceAndReset(t *testing.T) {
	s := New[sample]()
	s.Append(samplesAt(1, 2, 3)...)
	s.Replace(samplesAt(7, 8))
	assert.Equal(t, []domain.Timestamp{7, 8}, timestamps(s.Snapshot()))

	s.Reset()
	assert.Zero(t, s.Len())
	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	s := New[sample]()
	s.Append(samplesAt(1, 2)...)
	snap := s.Snapshot()
	snap[0].ts = 99
	assert.Equal(t, []domain.Timestamp{1, 2}, timestamps(s.Snapshot()))
}
