package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/monitoring"
	"github.com/smartcity/intersection/internal/timeseries"
	"github.com/smartcity/intersection/internal/timeutil"
	"github.com/smartcity/intersection/pkg/utils"
)

// Mode is the ingestion state of a ModeController
type Mode string

// Controller modes
const (
	ModeIdle       Mode = "idle"
	ModeHistorical Mode = "historical_replay"
	ModeLive       Mode = "live_streaming"
)

// Controller errors
var (
	ErrLiveActive       = errors.New("live session owns the query range")
	ErrInvalidQuery     = errors.New("query needs an intersection and a forward time range")
	ErrNoIntersection   = errors.New("no intersection selected")
	ErrInvalidWidth     = errors.New("window width must be positive")
	ErrControllerClosed = errors.New("controller closed")
	ErrLiveSuperseded   = errors.New("live start superseded by a newer request")
)

// ControllerConfig tunes the controller's timing policy
type ControllerConfig struct {
	Debounce     time.Duration
	LiveAdvance  time.Duration
	LiveLookback time.Duration
	LiveWindow   time.Duration
	Window       time.Duration
}

// DefaultControllerConfig returns the timing used by the dashboard
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Debounce:     500 * time.Millisecond,
		LiveAdvance:  time.Second,
		LiveLookback: 10 * time.Second,
		LiveWindow:   2 * time.Second,
		Window:       60 * time.Second,
	}
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	def := DefaultControllerConfig()
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.LiveAdvance <= 0 {
		c.LiveAdvance = def.LiveAdvance
	}
	if c.LiveLookback <= 0 {
		c.LiveLookback = def.LiveLookback
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = def.LiveWindow
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// ControllerStatus is the mode and cursor state exposed to UI controls
type ControllerStatus struct {
	Mode           Mode               `json:"mode"`
	SessionID      string             `json:"sessionId,omitempty"`
	Query          domain.QueryParams `json:"query"`
	Pending        bool               `json:"pending"`
	CursorMs       int64              `json:"cursorMs"`
	WindowMs       int64              `json:"windowMs"`
	Window         domain.TimeWindow  `json:"window"`
	ViewRecentered bool               `json:"viewRecentered"`
	Imported       bool               `json:"imported"`
	MapCount       int                `json:"mapCount"`
	SpatCount      int                `json:"spatCount"`
	BsmCount       int                `json:"bsmCount"`
	Errors         []string           `json:"errors,omitempty"`
	Topics         []string           `json:"topics,omitempty"`
}

// ModeController owns the stream stores of one session and switches
// between historical replay and live streaming. All store mutation happens
// under its mutex.
type ModeController struct {
	bulk     *BulkIngestor
	live     *LiveIngestor
	clock    timeutil.Clock
	cfg      ControllerConfig
	debounce *Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	mode          Mode
	target        domain.QueryParams
	pending       bool
	query         domain.QueryParams
	cursor        time.Duration
	width         time.Duration
	sessionID     string
	maps          *timeseries.Store[domain.MapSnapshot]
	index         *GeometryIndex
	spat          *timeseries.Store[domain.SpatSample]
	bsm           *timeseries.Store[domain.BsmReport]
	events        []domain.Event
	notifications []domain.Notification
	errs          []error
	recentered    bool
	imported      bool
	session       *LiveSession
	liveGen       uint64
	lastAdvance   time.Time
}

// NewModeController creates an idle controller. live may be nil when no
// live transport is configured.
func NewModeController(bulk *BulkIngestor, live *LiveIngestor, clock timeutil.Clock, cfg ControllerConfig) *ModeController {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ModeController{
		bulk:     bulk,
		live:     live,
		clock:    clock,
		cfg:      cfg,
		debounce: NewDebouncer(clock, cfg.Debounce),
		ctx:      ctx,
		cancel:   cancel,
		mode:     ModeIdle,
		width:    cfg.Window,
		maps:     timeseries.New[domain.MapSnapshot](timeseries.WithRetainLast(1)),
		spat:     timeseries.New[domain.SpatSample](timeseries.WithTimestampKey()),
		bsm:      timeseries.New[domain.BsmReport](),
	}
}

// SetQuery requests a historical replay of q. Bursts of calls are debounced
// into one fetch; results of superseded fetches are discarded. The query is
// rejected while a live session is active.
func (c *ModeController) SetQuery(q domain.QueryParams) error {
	if !q.Valid() {
		return ErrInvalidQuery
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	if c.mode == ModeLive {
		return ErrLiveActive
	}
	c.target = q
	c.pending = true
	c.debounce.Trigger(func(gen uint64) { c.fetch(c.bulk, gen, q) })
	return nil
}

// Import replays q from src instead of the configured historical source,
// e.g. an uploaded capture. It follows the SetQuery rules; the next SetQuery
// returns to the configured source.
func (c *ModeController) Import(src domain.HistoricalSource, q domain.QueryParams) error {
	if !q.Valid() {
		return ErrInvalidQuery
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	if c.mode == ModeLive {
		return ErrLiveActive
	}
	bulk := NewBulkIngestor(src, c.bulk.radiusMeters)
	c.target = q
	c.pending = true
	c.debounce.Trigger(func(gen uint64) { c.fetch(bulk, gen, q) })
	return nil
}

// Select names the intersection a live session subscribes to without
// issuing a historical fetch.
func (c *ModeController) Select(intersectionID, roadRegulatorID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target.IntersectionID = intersectionID
	c.target.RoadRegulatorID = roadRegulatorID
}

func (c *ModeController) fetch(bulk *BulkIngestor, gen uint64, q domain.QueryParams) {
	c.mu.Lock()
	if c.closed || !c.debounce.IsCurrent(gen) {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	res := bulk.Load(c.ctx, q)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.mode == ModeLive || !c.debounce.IsCurrent(gen) {
		monitoring.Logf("mode controller: discarding superseded fetch for intersection %d", q.IntersectionID)
		return
	}
	c.applyLoadLocked(res)
	c.imported = bulk != c.bulk
}

func (c *ModeController) applyLoadLocked(res LoadResult) {
	prev, hadMap := c.maps.Latest()

	c.mode = ModeHistorical
	c.pending = false
	c.query = res.Query
	c.sessionID = uuid.NewString()
	c.cursor = res.Query.InitialCursor()
	c.errs = res.Errors
	c.events = res.Events
	c.notifications = res.Notifications
	c.spat.Replace(res.Spat)
	c.bsm.Replace(res.Bsm)
	c.maps.Reset()
	c.index = nil
	c.recentered = false
	if res.Map != nil {
		c.maps.Append(*res.Map)
		c.index = NewGeometryIndex(*res.Map)
		c.recentered = hadMap && prev.RefPoint != res.Map.RefPoint
	}
}

// StartLive switches to live streaming for the selected intersection. The
// stores are reset and the range becomes the last LiveLookback ending now.
// A failed subscription leaves the current data and mode untouched.
func (c *ModeController) StartLive(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.live == nil {
		c.mu.Unlock()
		return fmt.Errorf("mode controller: %w: no live transport configured", domain.ErrSubscribeFailure)
	}
	if c.mode == ModeLive {
		c.mu.Unlock()
		return nil
	}
	target := c.target
	if target.IntersectionID == 0 {
		c.mu.Unlock()
		return ErrNoIntersection
	}
	c.debounce.Cancel()
	c.pending = false
	c.liveGen++
	token := c.liveGen
	c.mu.Unlock()

	session, err := c.live.Subscribe(ctx, target)

	c.mu.Lock()
	if err != nil {
		c.errs = []error{err}
		c.mu.Unlock()
		monitoring.Logf("mode controller: %v", err)
		return err
	}
	if c.closed || token != c.liveGen {
		closed := c.closed
		c.mu.Unlock()
		stopSession(session)
		if closed {
			return ErrControllerClosed
		}
		return ErrLiveSuperseded
	}
	defer c.mu.Unlock()

	now := c.clock.Now()
	end := domain.TimestampOf(now)
	c.query = domain.QueryParams{
		IntersectionID:  target.IntersectionID,
		RoadRegulatorID: target.RoadRegulatorID,
		Start:           end.Add(-c.cfg.LiveLookback),
		End:             end,
		EventTime:       end,
	}
	c.target = c.query
	c.cursor = c.query.Range()
	c.width = c.cfg.LiveWindow
	c.resetStoresLocked()
	c.errs = nil
	c.mode = ModeLive
	c.sessionID = uuid.NewString()
	c.session = session
	c.lastAdvance = now

	session.Run(func(msg domain.Message) { c.merge(token, msg) })

	c.wg.Add(1)
	go c.watch(token, session)
	return nil
}

func (c *ModeController) resetStoresLocked() {
	c.maps.Reset()
	c.spat.Reset()
	c.bsm.Reset()
	c.index = nil
	c.events = nil
	c.notifications = nil
	c.recentered = false
	c.imported = false
}

func (c *ModeController) watch(token uint64, session *LiveSession) {
	defer c.wg.Done()
	<-session.Done()
	err := session.Err()

	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.liveGen || c.mode != ModeLive {
		return
	}
	monitoring.Logf("mode controller: live session ended: %v", err)
	if err != nil {
		c.errs = append(c.errs, err)
	}
	c.liveGen++
	c.session = nil
	c.mode = ModeHistorical
}

// merge applies one live message with the incremental retention rule and
// keeps the cursor pinned to now, at most once per LiveAdvance.
func (c *ModeController) merge(token uint64, msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.liveGen || c.mode != ModeLive {
		return
	}

	width := c.query.Range()
	switch msg.Kind {
	case domain.StreamMap:
		if !msg.Map.SameIntersection(c.query) {
			monitoring.Logf("mode controller: dropping MAP for intersection %d", msg.Map.IntersectionID)
			return
		}
		prev, had := c.maps.Latest()
		c.maps.MergeIncremental([]domain.MapSnapshot{*msg.Map}, width)
		if had && prev.RefPoint != msg.Map.RefPoint {
			c.recentered = true
		}
		c.index = NewGeometryIndex(*msg.Map)
	case domain.StreamSpat:
		if !msg.Spat.SameIntersection(c.query) {
			monitoring.Logf("mode controller: dropping SPAT for intersection %d", msg.Spat.IntersectionID)
			return
		}
		c.spat.MergeIncremental([]domain.SpatSample{*msg.Spat}, width)
	case domain.StreamBsm:
		if !c.nearIntersectionLocked(msg.Bsm.Position) {
			monitoring.Logf("mode controller: dropping BSM for vehicle %s outside %.0fm", msg.Bsm.VehicleID, c.bulk.radiusMeters)
			return
		}
		c.bsm.MergeIncremental([]domain.BsmReport{*msg.Bsm}, width)
	}

	now := c.clock.Now()
	if now.Sub(c.lastAdvance) >= c.cfg.LiveAdvance {
		end := domain.TimestampOf(now)
		c.query.Start = end.Add(-width)
		c.query.End = end
		c.query.EventTime = end
		c.cursor = c.query.Range()
		c.lastAdvance = now
	}
}

// nearIntersectionLocked applies the historical BSM geofence to live
// reports. BSM carries no intersection id, so the retained MAP reference
// point decides; without a MAP every report is kept.
func (c *ModeController) nearIntersectionLocked(p domain.Point) bool {
	m, ok := c.maps.Latest()
	if !ok {
		return true
	}
	ref := m.RefPoint
	return utils.Haversine(ref.Latitude, ref.Longitude, p.Latitude, p.Longitude)*1000 <= c.bulk.radiusMeters
}

// StopLive leaves live streaming. The cursor, window and stores stay as they
// were, so the last fused view is preserved until the next query.
func (c *ModeController) StopLive() error {
	c.mu.Lock()
	session := c.detachLiveLocked()
	c.mu.Unlock()
	return stopSession(session)
}

func (c *ModeController) detachLiveLocked() *LiveSession {
	if c.mode != ModeLive {
		return nil
	}
	session := c.session
	c.session = nil
	c.liveGen++
	c.mode = ModeHistorical
	return session
}

func stopSession(session *LiveSession) error {
	if session == nil {
		return nil
	}
	return session.Stop()
}

// SetCursor moves the playback cursor, as an offset from the query start.
// Scrubbing ends a live session.
func (c *ModeController) SetCursor(cursor time.Duration) error {
	c.mu.Lock()
	session := c.detachLiveLocked()
	if cursor < 0 {
		cursor = 0
	}
	if r := c.query.Range(); cursor > r {
		cursor = r
	}
	c.cursor = cursor
	c.mu.Unlock()
	return stopSession(session)
}

// SetWindowWidth changes how much history before the cursor is visible.
func (c *ModeController) SetWindowWidth(width time.Duration) error {
	if width <= 0 {
		return ErrInvalidWidth
	}
	c.mu.Lock()
	c.width = width
	c.mu.Unlock()
	return nil
}

// View fuses the retained data for the current window. Stores are
// snapshotted under the lock and fused outside it.
func (c *ModeController) View() (FusedView, error) {
	c.mu.Lock()
	in := FuseInput{
		Query:         c.query,
		Window:        c.query.WindowAt(c.cursor, c.width),
		Index:         c.index,
		Spat:          c.spat.Snapshot(),
		Bsm:           c.bsm.Snapshot(),
		Events:        append([]domain.Event(nil), c.events...),
		Notifications: append([]domain.Notification(nil), c.notifications...),
	}
	if m, ok := c.maps.Latest(); ok {
		in.Map = &m
	}
	c.mu.Unlock()

	return Fuse(in)
}

// Status reports mode, cursor and the errors of the current session.
func (c *ModeController) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ControllerStatus{
		Mode:           c.mode,
		SessionID:      c.sessionID,
		Query:          c.query,
		Pending:        c.pending,
		CursorMs:       c.cursor.Milliseconds(),
		WindowMs:       c.width.Milliseconds(),
		Window:         c.query.WindowAt(c.cursor, c.width),
		ViewRecentered: c.recentered,
		Imported:       c.imported,
		MapCount:       c.maps.Len(),
		SpatCount:      c.spat.Len(),
		BsmCount:       c.bsm.Len(),
	}
	for _, err := range c.errs {
		st.Errors = append(st.Errors, err.Error())
	}
	if c.session != nil {
		st.Topics = c.session.Topics()
	}
	return st
}

// Wait blocks until in-flight fetches and live watchers have finished.
func (c *ModeController) Wait() {
	c.wg.Wait()
}

// Close stops any live session, cancels pending and in-flight fetches and
// waits for them to finish.
func (c *ModeController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.detachLiveLocked()
	c.mode = ModeIdle
	c.mu.Unlock()

	c.debounce.Cancel()
	err := stopSession(session)
	c.cancel()
	c.wg.Wait()
	return err
}
