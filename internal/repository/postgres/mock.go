package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/pkg/utils"
)

// MaxMockRange bounds how much history the mock repository synthesizes for
// one request; longer ranges are trimmed to the newest part.
const MaxMockRange = time.Hour

const (
	signalCycle    = 60 * time.Second
	vehicleSpeed   = 10.0 // m/s
	approachLength = 120.0
	laneOffset     = 3.0
)

// approach is one leg of the synthetic intersection, as a unit vector in
// (north, east) meters pointing away from the center.
type approach struct {
	name        string
	north, east float64
	ingressLane int
	egressLane  int
	signalGroup int
}

var approaches = []approach{
	{"north", 1, 0, 1, 2, 2},
	{"east", 0, 1, 3, 4, 4},
	{"south", -1, 0, 5, 6, 6},
	{"west", 0, -1, 7, 8, 8},
}

// MockRepository implements domain.HistoricalSource for testing/demo mode.
// It synthesizes a four-leg signalized intersection around a reference
// point, with a fixed signal cycle and vehicles crossing on every approach.
type MockRepository struct {
	refPoint   domain.RefPoint
	spatPeriod time.Duration
	bsmPeriod  time.Duration

	mu       sync.Mutex
	failures map[domain.StreamKind]error
}

// NewMockRepository creates a new mock repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		refPoint:   domain.RefPoint{Latitude: 39.5880413, Longitude: -105.0908854, Elevation: 1691},
		spatPeriod: time.Second,
		bsmPeriod:  time.Second,
		failures:   make(map[domain.StreamKind]error),
	}
}

// FailStream makes every fetch of one stream return err. A nil err clears it.
func (r *MockRepository) FailStream(kind domain.StreamKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, kind)
		return
	}
	r.failures[kind] = err
}

func (r *MockRepository) failure(kind domain.StreamKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failures[kind]; ok {
		return fmt.Errorf("mock: %s fetch failed: %w", kind, err)
	}
	return nil
}

// pointAt offsets the reference point by meters north and east
func (r *MockRepository) pointAt(north, east float64) domain.Point {
	dLat, dLon := utils.OffsetDegrees(r.refPoint.Latitude, 1)
	return domain.Point{
		Latitude:  utils.RoundTo(r.refPoint.Latitude+north*dLat, 8),
		Longitude: utils.RoundTo(r.refPoint.Longitude+east*dLon, 8),
	}
}

// ingressPoint is s meters out along a's inbound lane
func (r *MockRepository) ingressPoint(a approach, s float64) domain.Point {
	return r.pointAt(s*a.north+laneOffset*a.east, s*a.east-laneOffset*a.north)
}

// egressPoint is s meters out along a's outbound lane
func (r *MockRepository) egressPoint(a approach, s float64) domain.Point {
	return r.pointAt(s*a.north-laneOffset*a.east, s*a.east+laneOffset*a.north)
}

// MapAt returns the intersection geometry as broadcast at ts
func (r *MockRepository) MapAt(intersectionID, roadRegulatorID int, ts domain.Timestamp) domain.MapSnapshot {
	m := domain.MapSnapshot{
		IntersectionID:  intersectionID,
		RoadRegulatorID: roadRegulatorID,
		RefPoint:        r.refPoint,
		ReceivedAt:      ts,
	}
	stations := []float64{15, 40, 80, approachLength}
	for i, a := range approaches {
		through := approaches[(i+2)%len(approaches)]
		right := approaches[(i+3)%len(approaches)]

		ingress := domain.Lane{LaneID: a.ingressLane, Ingress: true}
		egress := domain.Lane{LaneID: a.egressLane}
		for _, s := range stations {
			ingress.Geometry = append(ingress.Geometry, r.ingressPoint(a, s))
			egress.Geometry = append(egress.Geometry, r.egressPoint(a, s))
		}
		ingress.ConnectsTo = []domain.Connection{
			{ConnectingLaneID: through.egressLane, SignalGroup: a.signalGroup},
			{ConnectingLaneID: right.egressLane, SignalGroup: a.signalGroup},
		}
		m.Lanes = append(m.Lanes, ingress, egress)
	}
	return m
}

// signalState follows a fixed cycle: north-south green, then east-west
func signalState(group int, ts domain.Timestamp) domain.SignalState {
	phase := time.Duration(int64(ts)%signalCycle.Milliseconds()) * time.Millisecond
	if phase < 0 {
		phase += signalCycle
	}
	half := signalCycle / 2
	green := group == 2 || group == 6
	if !green {
		phase = (phase + half) % signalCycle
	}
	switch {
	case phase < 25*time.Second:
		return domain.StateProtectedMovementAllowed
	case phase < 28*time.Second:
		return domain.StateProtectedClearance
	default:
		return domain.StateStopAndRemain
	}
}

// SpatAt returns the signal states at ts
func (r *MockRepository) SpatAt(intersectionID, roadRegulatorID int, ts domain.Timestamp) domain.SpatSample {
	s := domain.SpatSample{IntersectionID: intersectionID, RoadRegulatorID: roadRegulatorID, ReceivedAt: ts}
	for _, a := range approaches {
		s.States = append(s.States, domain.SignalGroupState{SignalGroup: a.signalGroup, State: signalState(a.signalGroup, ts)})
	}
	return s
}

// VehiclesAt returns one report per vehicle crossing the intersection at ts.
// Vehicle k enters on approach k%4 every 30s, offset by 5s per vehicle.
func (r *MockRepository) VehiclesAt(intersectionID int, ts domain.Timestamp) []domain.BsmReport {
	const vehicles = 6
	const trip = 30 * time.Second
	var out []domain.BsmReport
	for k := 0; k < vehicles; k++ {
		a := approaches[k%len(approaches)]
		exit := approaches[(k+2)%len(approaches)]
		offset := time.Duration(k) * 5 * time.Second

		elapsed := time.Duration(int64(ts)-offset.Milliseconds()) * time.Millisecond % trip
		if elapsed < 0 {
			elapsed += trip
		}
		travelled := vehicleSpeed * elapsed.Seconds()

		var (
			pos     domain.Point
			heading float64
		)
		if travelled < approachLength {
			entry := r.ingressPoint(a, approachLength)
			pos = r.ingressPoint(a, approachLength-travelled)
			heading = utils.Bearing(entry.Latitude, entry.Longitude, pos.Latitude, pos.Longitude)
		} else {
			pos = r.egressPoint(exit, travelled-approachLength)
			heading = utils.Bearing(r.refPoint.Latitude, r.refPoint.Longitude, pos.Latitude, pos.Longitude)
		}

		speed, _ := json.Marshal(vehicleSpeed)
		hdg, _ := json.Marshal(utils.RoundTo(heading, 1))
		out = append(out, domain.BsmReport{
			VehicleID:  vehicleID(intersectionID, k),
			Position:   pos,
			ReceivedAt: ts,
			Attributes: map[string]json.RawMessage{"speed": speed, "heading": hdg},
		})
	}
	return out
}

func vehicleID(intersectionID, k int) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d/%d", intersectionID, k)
	return fmt.Sprintf("%08X", h.Sum32())
}

// trim clamps the range to MaxMockRange ending at q.End
func trim(q domain.RangeQuery) (domain.Timestamp, domain.Timestamp) {
	start := q.Start
	if q.End.Sub(start) > MaxMockRange {
		start = q.End.Add(-MaxMockRange)
	}
	return start, q.End
}

// ticks returns the multiples of period within [start, end], newest first
func ticks(start, end domain.Timestamp, period time.Duration) []domain.Timestamp {
	step := domain.Timestamp(period.Milliseconds())
	if step <= 0 || end < start {
		return nil
	}
	first := (end / step) * step
	if first > end {
		first -= step
	}
	var out []domain.Timestamp
	for ts := first; ts >= start; ts -= step {
		out = append(out, ts)
	}
	return out
}

// FetchLatestMap returns the geometry broadcast in the last second before q.End
func (r *MockRepository) FetchLatestMap(ctx context.Context, q domain.RangeQuery) ([]domain.MapSnapshot, error) {
	if err := r.failure(domain.StreamMap); err != nil {
		return nil, err
	}
	latest := ticks(q.End.Add(-time.Second), q.End, time.Second)
	if len(latest) == 0 {
		return nil, nil
	}
	return []domain.MapSnapshot{r.MapAt(q.IntersectionID, q.RoadRegulatorID, latest[0])}, nil
}

// FetchSpat returns one sample per SPAT period in range, newest first
func (r *MockRepository) FetchSpat(ctx context.Context, q domain.RangeQuery) ([]domain.SpatSample, error) {
	if err := r.failure(domain.StreamSpat); err != nil {
		return nil, err
	}
	start, end := trim(q)
	var out []domain.SpatSample
	for _, ts := range ticks(start, end, r.spatPeriod) {
		out = append(out, r.SpatAt(q.IntersectionID, q.RoadRegulatorID, ts))
	}
	return out, nil
}

// FetchBsm returns vehicle reports in range and radius, newest first
func (r *MockRepository) FetchBsm(ctx context.Context, q domain.BsmQuery) ([]domain.BsmReport, error) {
	if err := r.failure(domain.StreamBsm); err != nil {
		return nil, err
	}
	start, end := trim(q.RangeQuery)
	var out []domain.BsmReport
	for _, ts := range ticks(start, end, r.bsmPeriod) {
		for _, b := range r.VehiclesAt(q.IntersectionID, ts) {
			if q.VehicleID != "" && b.VehicleID != q.VehicleID {
				continue
			}
			if q.RadiusMeters > 0 && !WithinRadius(q.Center, b.Position, q.RadiusMeters) {
				continue
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// FetchEvents returns one event every five minutes, cycling through the
// event types
func (r *MockRepository) FetchEvents(ctx context.Context, q domain.RangeQuery) ([]domain.Event, error) {
	if err := r.failure(domain.StreamEvents); err != nil {
		return nil, err
	}
	start, end := trim(q)
	var out []domain.Event
	for _, ts := range ticks(start, end, 5*time.Minute) {
		slot := int64(ts) / (5 * time.Minute).Milliseconds()
		kind := domain.EventTypes[int(slot%int64(len(domain.EventTypes))+int64(len(domain.EventTypes)))%len(domain.EventTypes)]
		out = append(out, domain.Event{
			EventType:       kind,
			IntersectionID:  q.IntersectionID,
			RoadRegulatorID: q.RoadRegulatorID,
			GeneratedAt:     ts,
		})
	}
	return out, nil
}

// FetchNotifications returns one notification every fifteen minutes
func (r *MockRepository) FetchNotifications(ctx context.Context, q domain.RangeQuery) ([]domain.Notification, error) {
	if err := r.failure(domain.StreamNotifications); err != nil {
		return nil, err
	}
	start, end := trim(q)
	var out []domain.Notification
	for _, ts := range ticks(start, end, 15*time.Minute) {
		out = append(out, domain.Notification{
			NotificationType: "SpatBroadcastRateNotification",
			Text:             "SPaT broadcast rate outside of expected range",
			IntersectionID:   q.IntersectionID,
			RoadRegulatorID:  q.RoadRegulatorID,
			GeneratedAt:      ts,
		})
	}
	return out, nil
}

// Health always returns nil in mock mode
func (r *MockRepository) Health(ctx context.Context) error {
	return nil
}
