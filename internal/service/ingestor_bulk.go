package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/monitoring"
)

// DefaultBsmRadiusMeters bounds historical vehicle reports around the MAP
// reference point.
const DefaultBsmRadiusMeters = 500

// LoadResult holds everything fetched for one query. Streams that failed
// are left empty and reported in Errors.
type LoadResult struct {
	Query         domain.QueryParams
	Map           *domain.MapSnapshot
	Spat          []domain.SpatSample
	Bsm           []domain.BsmReport
	Events        []domain.Event
	Notifications []domain.Notification
	Errors        []error
}

// Err joins the per-stream errors.
func (r LoadResult) Err() error {
	return errors.Join(r.Errors...)
}

// BulkIngestor loads a historical range from a HistoricalSource
type BulkIngestor struct {
	source       domain.HistoricalSource
	radiusMeters float64
}

// NewBulkIngestor creates a bulk ingestor. A non-positive radius falls back
// to DefaultBsmRadiusMeters.
func NewBulkIngestor(source domain.HistoricalSource, radiusMeters float64) *BulkIngestor {
	if radiusMeters <= 0 {
		radiusMeters = DefaultBsmRadiusMeters
	}
	return &BulkIngestor{source: source, radiusMeters: radiusMeters}
}

// Load fetches every stream for q concurrently. A failure on one stream
// never blocks the others. The BSM fetch is centered on the MAP reference
// point and is skipped when no MAP snapshot exists in range.
func (b *BulkIngestor) Load(ctx context.Context, q domain.QueryParams) LoadResult {
	var (
		res = LoadResult{Query: q}
		wg  sync.WaitGroup
		mu  sync.Mutex
	)
	rq := domain.RangeQuery{
		IntersectionID:  q.IntersectionID,
		RoadRegulatorID: q.RoadRegulatorID,
		Start:           q.Start,
		End:             q.End,
	}
	fail := func(stream domain.StreamKind, kind, err error) {
		mu.Lock()
		res.Errors = append(res.Errors, domain.NewStreamError(stream, kind, err))
		mu.Unlock()
	}

	// MAP first, then BSM around its reference point
	wg.Add(1)
	go func() {
		defer wg.Done()
		maps, err := b.source.FetchLatestMap(ctx, rq)
		if err != nil {
			fail(domain.StreamMap, domain.ErrFetchFailure, err)
			return
		}
		latest, ok := latestAtOrBefore(maps, q.End)
		if !ok {
			fail(domain.StreamMap, domain.ErrEmptyResult, nil)
			fail(domain.StreamBsm, domain.ErrEmptyResult, errors.New("skipped without a MAP reference point"))
			return
		}
		mu.Lock()
		res.Map = &latest
		mu.Unlock()

		bsm, err := b.source.FetchBsm(ctx, domain.BsmQuery{
			RangeQuery:   rq,
			VehicleID:    q.VehicleID,
			Center:       latest.RefPoint.Point(),
			RadiusMeters: b.radiusMeters,
		})
		if err != nil {
			fail(domain.StreamBsm, domain.ErrFetchFailure, err)
			return
		}
		sortAscending(bsm)
		mu.Lock()
		res.Bsm = bsm
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		spat, err := b.source.FetchSpat(ctx, rq)
		if err != nil {
			fail(domain.StreamSpat, domain.ErrFetchFailure, err)
			return
		}
		sortAscending(spat)
		mu.Lock()
		res.Spat = spat
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		events, err := b.source.FetchEvents(ctx, rq)
		if err != nil {
			fail(domain.StreamEvents, domain.ErrFetchFailure, err)
			return
		}
		sortAscending(events)
		mu.Lock()
		res.Events = events
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		notifications, err := b.source.FetchNotifications(ctx, rq)
		if err != nil {
			fail(domain.StreamNotifications, domain.ErrFetchFailure, err)
			return
		}
		sortAscending(notifications)
		mu.Lock()
		res.Notifications = notifications
		mu.Unlock()
	}()

	wg.Wait()

	for _, err := range res.Errors {
		monitoring.Logf("bulk ingestor: intersection %d: %v", q.IntersectionID, err)
	}
	return res
}

func latestAtOrBefore(maps []domain.MapSnapshot, end domain.Timestamp) (domain.MapSnapshot, bool) {
	var (
		latest domain.MapSnapshot
		found  bool
	)
	for _, m := range maps {
		if m.ReceivedAt > end {
			continue
		}
		if !found || m.ReceivedAt >= latest.ReceivedAt {
			latest, found = m, true
		}
	}
	return latest, found
}

// sortAscending orders samples oldest first. Backing queries return newest
// first, so the sort is stable to keep equal timestamps in a fixed order.
func sortAscending[T domain.Timestamped](items []T) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].At() < items[j].At() })
}
