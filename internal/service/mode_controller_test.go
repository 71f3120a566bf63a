package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/timeutil"
)

var testEpoch = time.UnixMilli(1_700_000_000_000).UTC()

type controllerHarness struct {
	ctrl      *ModeController
	clock     *timeutil.MockClock
	source    *fakeSource
	transport *fakeTransport
}

func newHarness(t *testing.T) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		clock: timeutil.NewMockClock(testEpoch),
		source: &fakeSource{
			maps: []domain.MapSnapshot{testMap(100)},
			spat: []domain.SpatSample{
				spatAt(1000, domain.SignalGroupState{SignalGroup: 2, State: domain.StateStopAndRemain}),
				spatAt(5000, domain.SignalGroupState{SignalGroup: 2, State: domain.StateProtectedMovementAllowed}),
			},
			bsm: []domain.BsmReport{testBsm("v1", 4000), testBsm("v2", 4500)},
		},
		transport: &fakeTransport{},
	}
	h.ctrl = NewModeController(
		NewBulkIngestor(h.source, 0),
		NewLiveIngestor(h.transport, &memQuarantine{}),
		h.clock,
		ControllerConfig{Window: 2 * time.Second},
	)
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func (h *controllerHarness) now() domain.Timestamp {
	return domain.TimestampOf(h.clock.Now())
}

func (h *controllerHarness) topic(kind domain.StreamKind) string {
	return domain.Topic(testRegulator, testIntersection, kind)
}

func TestModeControllerStartsIdle(t *testing.T) {
	h := newHarness(t)

	st := h.ctrl.Status()
	assert.Equal(t, ModeIdle, st.Mode)
	_, err := h.ctrl.View()
	assert.ErrorIs(t, err, domain.ErrEmptyResult)
}

func TestModeControllerImport(t *testing.T) {
	h := newHarness(t)
	imported := &fakeSource{
		maps: []domain.MapSnapshot{testMap(100)},
		spat: []domain.SpatSample{spatAt(200, domain.SignalGroupState{SignalGroup: 2, State: domain.StatePreMovement})},
	}

	assert.ErrorIs(t, h.ctrl.Import(imported, domain.QueryParams{}), ErrInvalidQuery)
	require.NoError(t, h.ctrl.Import(imported, testQuery(0, 1000)))
	assert.True(t, h.ctrl.Status().Pending)
	h.clock.Advance(500 * time.Millisecond)

	st := h.ctrl.Status()
	assert.Equal(t, ModeHistorical, st.Mode)
	assert.True(t, st.Imported)
	assert.Equal(t, 1, imported.mapCalls)
	assert.Zero(t, h.source.mapCalls)

	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Equal(t, domain.Timestamp(200), view.SpatTime)
	assert.Equal(t, domain.StatePreMovement, view.Connections[0].State)

	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 6000)))
	h.clock.Advance(500 * time.Millisecond)
	assert.False(t, h.ctrl.Status().Imported)
	assert.Equal(t, 1, h.source.mapCalls)
}

func TestModeControllerImportWhileLive(t *testing.T) {
	h := newHarness(t)
	startLive(t, h)

	err := h.ctrl.Import(&fakeSource{}, testQuery(0, 1000))
	assert.ErrorIs(t, err, ErrLiveActive)
}

func TestModeControllerDebouncesQueries(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 3000)))
	h.clock.Advance(200 * time.Millisecond)
	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 4000)))
	h.clock.Advance(200 * time.Millisecond)
	q := testQuery(0, 6000)
	q.EventTime = 5000
	require.NoError(t, h.ctrl.SetQuery(q))
	assert.True(t, h.ctrl.Status().Pending)

	h.clock.Advance(499 * time.Millisecond)
	assert.Zero(t, h.source.mapCalls)

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, h.source.mapCalls)

	st := h.ctrl.Status()
	assert.Equal(t, ModeHistorical, st.Mode)
	assert.False(t, st.Pending)
	assert.Equal(t, domain.Timestamp(6000), st.Query.End)
	assert.Equal(t, int64(5000), st.CursorMs, "cursor starts on the event")
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, 2, st.SpatCount)

	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Equal(t, domain.TimeWindow{Start: 3000, End: 5000}, view.Window)
	assert.Equal(t, domain.Timestamp(5000), view.SpatTime)
	assert.Equal(t, domain.StateProtectedMovementAllowed, view.Connections[0].State)
	assert.Len(t, view.Vehicles, 2)
}

func TestModeControllerDiscardsSupersededFetch(t *testing.T) {
	h := newHarness(t)
	h.source.started = make(chan domain.RangeQuery, 2)
	h.source.gate = make(chan struct{})

	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 3000)))
	advanced := make(chan struct{})
	go func() {
		h.clock.Advance(500 * time.Millisecond)
		close(advanced)
	}()
	first := <-h.source.started
	assert.Equal(t, domain.Timestamp(3000), first.End)

	// Parameters change while the first fetch is in flight.
	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 8000)))
	h.source.gate <- struct{}{}
	<-advanced

	st := h.ctrl.Status()
	assert.Equal(t, ModeIdle, st.Mode, "stale result must not be applied")
	assert.True(t, st.Pending)

	go func() { h.source.gate <- struct{}{} }()
	h.clock.Advance(500 * time.Millisecond)
	<-h.source.started

	st = h.ctrl.Status()
	assert.Equal(t, ModeHistorical, st.Mode)
	assert.Equal(t, domain.Timestamp(8000), st.Query.End)
}

func TestModeControllerPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.source.errs = map[domain.StreamKind]error{domain.StreamBsm: errors.New("timeout")}

	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 6000)))
	h.clock.Advance(500 * time.Millisecond)

	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Empty(t, view.Vehicles)
	assert.True(t, view.SignalAvailable)

	st := h.ctrl.Status()
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0], "bsm")
}

func TestModeControllerRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.ctrl.SetQuery(testQuery(10, 5)), ErrInvalidQuery)
	assert.ErrorIs(t, h.ctrl.SetWindowWidth(0), ErrInvalidWidth)
	assert.ErrorIs(t, h.ctrl.StartLive(context.Background()), ErrNoIntersection)
}

func TestModeControllerCursorAndWidth(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 6000)))
	h.clock.Advance(500 * time.Millisecond)

	require.NoError(t, h.ctrl.SetCursor(1500*time.Millisecond))
	require.NoError(t, h.ctrl.SetWindowWidth(time.Second))
	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Equal(t, domain.TimeWindow{Start: 500, End: 1500}, view.Window)
	assert.Equal(t, domain.Timestamp(1000), view.SpatTime)
	assert.Equal(t, domain.StateStopAndRemain, view.Connections[0].State)

	require.NoError(t, h.ctrl.SetCursor(time.Hour))
	assert.Equal(t, int64(6000), h.ctrl.Status().CursorMs, "cursor clamps to the range")
	require.NoError(t, h.ctrl.SetCursor(-time.Second))
	assert.Zero(t, h.ctrl.Status().CursorMs)
}

func TestModeControllerRecentersOnNewReferencePoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 6000)))
	h.clock.Advance(500 * time.Millisecond)
	assert.False(t, h.ctrl.Status().ViewRecentered)

	moved := testMap(200)
	moved.RefPoint.Latitude = 40.1
	h.source.mu.Lock()
	h.source.maps = []domain.MapSnapshot{moved}
	h.source.mu.Unlock()

	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 7000)))
	h.clock.Advance(500 * time.Millisecond)
	assert.True(t, h.ctrl.Status().ViewRecentered)
}

func startLive(t *testing.T, h *controllerHarness) *fakeSub {
	t.Helper()
	h.ctrl.Select(testIntersection, testRegulator)
	require.NoError(t, h.ctrl.StartLive(context.Background()))
	sub := h.transport.last()
	require.NotNil(t, sub)
	return sub
}

func TestModeControllerLiveSession(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)

	st := h.ctrl.Status()
	assert.Equal(t, ModeLive, st.Mode)
	assert.Equal(t, h.now(), st.Query.End)
	assert.Equal(t, int64(10000), st.Query.End.Sub(st.Query.Start).Milliseconds())
	assert.Equal(t, int64(2000), st.WindowMs)
	assert.Equal(t, int64(10000), st.CursorMs)
	assert.Len(t, st.Topics, 3)

	assert.ErrorIs(t, h.ctrl.SetQuery(testQuery(0, 1000)), ErrLiveActive)

	now := h.now()
	sub.push(h.topic(domain.StreamMap), testMap(now-500))
	sub.push(h.topic(domain.StreamSpat), spatAt(now-100, domain.SignalGroupState{SignalGroup: 4, State: domain.StatePermissiveClearance}))
	sub.push(h.topic(domain.StreamBsm), testBsm("v9", now-50))

	require.Eventually(t, func() bool {
		st := h.ctrl.Status()
		return st.MapCount == 1 && st.SpatCount == 1 && st.BsmCount == 1
	}, time.Second, 5*time.Millisecond)

	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.True(t, view.SignalAvailable)
	assert.Equal(t, domain.StatePermissiveClearance, view.Connections[1].State)
	require.Len(t, view.Vehicles, 1)
	assert.Equal(t, "v9", view.Vehicles[0].VehicleID)
}

func TestModeControllerLivePrunesOutsideRange(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	now := h.now()

	sub.push(h.topic(domain.StreamSpat), spatAt(now-9000))
	sub.push(h.topic(domain.StreamSpat), spatAt(now-4000))
	sub.push(h.topic(domain.StreamSpat), spatAt(now+2000))

	require.Eventually(t, func() bool {
		latest, ok := h.ctrl.spat.Latest()
		return ok && latest.ReceivedAt == now+2000
	}, time.Second, 5*time.Millisecond)

	var kept []domain.Timestamp
	for _, s := range h.ctrl.spat.Snapshot() {
		kept = append(kept, s.ReceivedAt)
	}
	assert.Equal(t, []domain.Timestamp{now - 4000, now + 2000}, kept)
}

func TestModeControllerLiveAdvanceIsRateLimited(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	startEnd := h.ctrl.Status().Query.End

	h.clock.Advance(400 * time.Millisecond)
	sub.push(h.topic(domain.StreamSpat), spatAt(h.now()))
	require.Eventually(t, func() bool { return h.ctrl.Status().SpatCount == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, startEnd, h.ctrl.Status().Query.End, "advanced too early")

	h.clock.Advance(600 * time.Millisecond)
	sub.push(h.topic(domain.StreamSpat), spatAt(h.now()))
	require.Eventually(t, func() bool { return h.ctrl.Status().SpatCount == 2 }, time.Second, 5*time.Millisecond)

	st := h.ctrl.Status()
	assert.Equal(t, h.now(), st.Query.End)
	assert.Equal(t, int64(10000), st.CursorMs)
	assert.Equal(t, int64(10000), st.Query.End.Sub(st.Query.Start).Milliseconds())
}

// Stopping live keeps the last view and cursor.
func TestModeControllerStopLiveFreezesView(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	now := h.now()
	sub.push(h.topic(domain.StreamMap), testMap(now-500))
	sub.push(h.topic(domain.StreamSpat), spatAt(now-100, domain.SignalGroupState{SignalGroup: 2, State: domain.StatePreMovement}))
	require.Eventually(t, func() bool { return h.ctrl.Status().SpatCount == 1 && h.ctrl.Status().MapCount == 1 }, time.Second, 5*time.Millisecond)

	before, err := h.ctrl.View()
	require.NoError(t, err)
	statusBefore := h.ctrl.Status()

	require.NoError(t, h.ctrl.StopLive())
	h.clock.Advance(5 * time.Second)

	assert.False(t, sub.push(h.topic(domain.StreamSpat), spatAt(h.now())), "topics unsubscribed")
	after, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	st := h.ctrl.Status()
	assert.Equal(t, ModeHistorical, st.Mode)
	assert.Equal(t, statusBefore.Window, st.Window)
	assert.Empty(t, st.Topics)

	// Only a new parameter change refreshes the view.
	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 6000)))
	h.clock.Advance(500 * time.Millisecond)
	refreshed, err := h.ctrl.View()
	require.NoError(t, err)
	assert.NotEqual(t, before.Window, refreshed.Window)
}

func TestModeControllerScrubbingEndsLive(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)

	require.NoError(t, h.ctrl.SetCursor(3*time.Second))

	st := h.ctrl.Status()
	assert.Equal(t, ModeHistorical, st.Mode)
	assert.Equal(t, int64(3000), st.CursorMs)
	assert.True(t, sub.closed)
}

func TestModeControllerSubscribeFailureKeepsData(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.SetQuery(testQuery(0, 6000)))
	h.clock.Advance(500 * time.Millisecond)
	before, err := h.ctrl.View()
	require.NoError(t, err)

	h.transport.err = errors.New("dial tcp: connection refused")
	err = h.ctrl.StartLive(context.Background())
	require.ErrorIs(t, err, domain.ErrSubscribeFailure)

	st := h.ctrl.Status()
	assert.Equal(t, ModeHistorical, st.Mode)
	require.Len(t, st.Errors, 1)
	after, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestModeControllerTransportLoss(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)

	sub.drop(errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool { return h.ctrl.Status().Mode == ModeHistorical }, time.Second, 5*time.Millisecond)
	st := h.ctrl.Status()
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0], "close 1006")
}

func TestModeControllerDropsForeignMap(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	foreign := testMap(h.now())
	foreign.IntersectionID = 4242
	sub.push(h.topic(domain.StreamMap), foreign)
	sub.push(h.topic(domain.StreamSpat), spatAt(h.now()))

	require.Eventually(t, func() bool { return h.ctrl.Status().SpatCount == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.ctrl.Status().MapCount)
}

func TestModeControllerDropsForeignSpat(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	now := h.now()
	sub.push(h.topic(domain.StreamMap), testMap(now-500))
	require.Eventually(t, func() bool { return h.ctrl.Status().MapCount == 1 }, time.Second, 5*time.Millisecond)

	foreign := spatAt(now-100, domain.SignalGroupState{SignalGroup: 2, State: domain.StateProtectedMovementAllowed})
	foreign.IntersectionID = 999
	sub.push(h.topic(domain.StreamSpat), foreign)
	sub.push(h.topic(domain.StreamSpat), spatAt(now-300, domain.SignalGroupState{SignalGroup: 2, State: domain.StateStopAndRemain}))
	require.Eventually(t, func() bool { return h.ctrl.Status().SpatCount == 1 }, time.Second, 5*time.Millisecond)

	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.Equal(t, testIntersection, view.IntersectionID)
	assert.True(t, view.SignalAvailable)
	assert.Equal(t, now-300, view.SpatTime)
	assert.Equal(t, domain.StateStopAndRemain, view.Connections[0].State)
}

func TestModeControllerForeignSpatLeavesSignalUnavailable(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	now := h.now()
	sub.push(h.topic(domain.StreamMap), testMap(now-500))
	foreign := spatAt(now - 100)
	foreign.IntersectionID = 999
	sub.push(h.topic(domain.StreamSpat), foreign)
	require.Eventually(t, func() bool { return h.ctrl.Status().MapCount == 1 }, time.Second, 5*time.Millisecond)

	require.Never(t, func() bool { return h.ctrl.Status().SpatCount > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	view, err := h.ctrl.View()
	require.NoError(t, err)
	assert.False(t, view.SignalAvailable)
}

func TestModeControllerGeofencesLiveBsm(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)
	now := h.now()
	sub.push(h.topic(domain.StreamMap), testMap(now-500))
	require.Eventually(t, func() bool { return h.ctrl.Status().MapCount == 1 }, time.Second, 5*time.Millisecond)

	far := testBsm("far", now-200)
	far.Position = domain.Point{Latitude: 39.52, Longitude: -105.0}
	sub.push(h.topic(domain.StreamBsm), far)
	sub.push(h.topic(domain.StreamBsm), testBsm("near", now-100))
	require.Eventually(t, func() bool { return h.ctrl.Status().BsmCount == 1 }, time.Second, 5*time.Millisecond)

	view, err := h.ctrl.View()
	require.NoError(t, err)
	require.Len(t, view.Vehicles, 1)
	assert.Equal(t, "near", view.Vehicles[0].VehicleID)
}

func TestModeControllerClose(t *testing.T) {
	h := newHarness(t)
	sub := startLive(t, h)

	require.NoError(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.Close())

	assert.True(t, sub.closed)
	assert.Equal(t, ModeIdle, h.ctrl.Status().Mode)
	assert.ErrorIs(t, h.ctrl.SetQuery(testQuery(0, 10)), ErrControllerClosed)
	assert.ErrorIs(t, h.ctrl.StartLive(context.Background()), ErrControllerClosed)
}
