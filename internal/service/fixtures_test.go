package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/smartcity/intersection/internal/domain"
)

const (
	testIntersection = 12109
	testRegulator    = -1
)

func testQuery(start, end domain.Timestamp) domain.QueryParams {
	return domain.QueryParams{
		IntersectionID:  testIntersection,
		RoadRegulatorID: testRegulator,
		Start:           start,
		End:             end,
	}
}

// testMap is a four-leg intersection: lane 1 approaches from the north,
// lane 2 from the west, lane 4 connects to a lane missing from the MAP.
func testMap(ts domain.Timestamp) domain.MapSnapshot {
	return domain.MapSnapshot{
		IntersectionID:  testIntersection,
		RoadRegulatorID: testRegulator,
		RefPoint:        domain.RefPoint{Latitude: 39.5, Longitude: -105.0, Elevation: 1600},
		ReceivedAt:      ts,
		Lanes: []domain.Lane{
			{
				LaneID:     1,
				Ingress:    true,
				Geometry:   []domain.Point{{Latitude: 39.5001, Longitude: -105.0}, {Latitude: 39.5010, Longitude: -105.0}},
				ConnectsTo: []domain.Connection{{ConnectingLaneID: 5, SignalGroup: 2}},
			},
			{
				LaneID:     2,
				Ingress:    true,
				Geometry:   []domain.Point{{Latitude: 39.5, Longitude: -105.0002}, {Latitude: 39.5, Longitude: -105.0012}},
				ConnectsTo: []domain.Connection{{ConnectingLaneID: 6, SignalGroup: 4}},
			},
			{
				LaneID:   3,
				Ingress:  true,
				Geometry: []domain.Point{{Latitude: 39.4999, Longitude: -104.9998}},
			},
			{
				LaneID:     4,
				Ingress:    true,
				Geometry:   []domain.Point{{Latitude: 39.4998, Longitude: -105.0}, {Latitude: 39.4990, Longitude: -105.0}},
				ConnectsTo: []domain.Connection{{ConnectingLaneID: 99, SignalGroup: 6}},
			},
			{
				LaneID:   5,
				Geometry: []domain.Point{{Latitude: 39.4999, Longitude: -105.0}, {Latitude: 39.4990, Longitude: -105.0}},
			},
			{
				LaneID:   6,
				Geometry: []domain.Point{{Latitude: 39.5, Longitude: -104.9998}, {Latitude: 39.5, Longitude: -104.9988}},
			},
		},
	}
}

func testBsm(id string, ts domain.Timestamp) domain.BsmReport {
	return domain.BsmReport{
		VehicleID:  id,
		Position:   domain.Point{Latitude: 39.5003, Longitude: -105.0001},
		ReceivedAt: ts,
	}
}

type fakeSource struct {
	mu            sync.Mutex
	maps          []domain.MapSnapshot
	spat          []domain.SpatSample
	bsm           []domain.BsmReport
	events        []domain.Event
	notifications []domain.Notification
	errs          map[domain.StreamKind]error

	bsmQueries []domain.BsmQuery
	mapCalls   int
	started    chan domain.RangeQuery
	gate       chan struct{}
}

func (f *fakeSource) fail(kind domain.StreamKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[kind]
}

func (f *fakeSource) FetchLatestMap(ctx context.Context, q domain.RangeQuery) ([]domain.MapSnapshot, error) {
	f.mu.Lock()
	f.mapCalls++
	started, gate := f.started, f.gate
	f.mu.Unlock()
	if started != nil {
		started <- q
	}
	if gate != nil {
		<-gate
	}
	if err := f.fail(domain.StreamMap); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MapSnapshot(nil), f.maps...), nil
}

func (f *fakeSource) FetchSpat(ctx context.Context, q domain.RangeQuery) ([]domain.SpatSample, error) {
	if err := f.fail(domain.StreamSpat); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return descending(f.spat), nil
}

func (f *fakeSource) FetchBsm(ctx context.Context, q domain.BsmQuery) ([]domain.BsmReport, error) {
	f.mu.Lock()
	f.bsmQueries = append(f.bsmQueries, q)
	f.mu.Unlock()
	if err := f.fail(domain.StreamBsm); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return descending(f.bsm), nil
}

func (f *fakeSource) FetchEvents(ctx context.Context, q domain.RangeQuery) ([]domain.Event, error) {
	if err := f.fail(domain.StreamEvents); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return descending(f.events), nil
}

func (f *fakeSource) FetchNotifications(ctx context.Context, q domain.RangeQuery) ([]domain.Notification, error) {
	if err := f.fail(domain.StreamNotifications); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return descending(f.notifications), nil
}

func (f *fakeSource) Health(ctx context.Context) error { return nil }

// descending mimics the newest-first order of the backing queries.
func descending[T domain.Timestamped](items []T) []T {
	out := append([]T(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At() > out[j].At() })
	return out
}

type fakeTransport struct {
	mu     sync.Mutex
	err    error
	subs   []*fakeSub
	topics [][]string
}

func (t *fakeTransport) Subscribe(ctx context.Context, topics []string) (domain.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	sub := &fakeSub{ch: make(chan domain.LiveMessage, 32)}
	t.subs = append(t.subs, sub)
	t.topics = append(t.topics, topics)
	return sub, nil
}

func (t *fakeTransport) last() *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan domain.LiveMessage
	closed bool
	err    error
}

func (s *fakeSub) Messages() <-chan domain.LiveMessage { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// push delivers one message and reports whether the subscription was open.
func (s *fakeSub) push(topic string, v any) bool {
	body, ok := v.([]byte)
	if !ok {
		body, _ = json.Marshal(v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- domain.LiveMessage{Topic: topic, Body: body}
	return true
}

// drop ends the subscription as a broken connection would.
func (s *fakeSub) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.ch)
	}
}

type memQuarantine struct {
	mu   sync.Mutex
	msgs []domain.RejectedMessage
}

func (q *memQuarantine) Put(msg domain.RejectedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *memQuarantine) List(limit int) ([]domain.RejectedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.RejectedMessage(nil), q.msgs...), nil
}

func (q *memQuarantine) Close() error { return nil }

func (q *memQuarantine) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
