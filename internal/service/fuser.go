package service

import (
	"fmt"
	"math"
	"sort"

	geojson "github.com/paulmach/go.geojson"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/pkg/utils"
)

// ConnectionState is a lane connection with the signal state attached
type ConnectionState struct {
	ConnectionSegment
	State domain.SignalState `json:"state"`
}

// SignalHeadState is a signal head with the signal state attached
type SignalHeadState struct {
	SignalHead
	State domain.SignalState `json:"state"`
}

// FusedView represents everything visible at one cursor position
type FusedView struct {
	IntersectionID  int                   `json:"intersectionId"`
	RoadRegulatorID int                   `json:"roadRegulatorId"`
	RefPoint        domain.RefPoint       `json:"refPoint"`
	Window          domain.TimeWindow     `json:"window"`
	MapTime         domain.Timestamp      `json:"mapTime"`
	SpatTime        domain.Timestamp      `json:"spatTime,omitempty"`
	SignalAvailable bool                  `json:"signalAvailable"`
	Connections     []ConnectionState     `json:"connections"`
	SignalHeads     []SignalHeadState     `json:"signalHeads"`
	Vehicles        []domain.BsmReport    `json:"vehicles"`
	VehicleColors   map[string]string     `json:"vehicleColors"`
	Events          []domain.Event        `json:"events"`
	Notifications   []domain.Notification `json:"notifications"`
}

// FuseInput carries the store snapshots and window a view is computed from
type FuseInput struct {
	Query         domain.QueryParams
	Window        domain.TimeWindow
	Map           *domain.MapSnapshot
	Index         *GeometryIndex
	Spat          []domain.SpatSample
	Bsm           []domain.BsmReport
	Events        []domain.Event
	Notifications []domain.Notification
}

// JoinSignalState attaches to every connection the state of its signal group
// in sample. Connections whose group is absent, or every connection when
// sample is nil, get UNAVAILABLE.
func JoinSignalState(idx *GeometryIndex, sample *domain.SpatSample) []ConnectionState {
	conns := idx.Connections()
	out := make([]ConnectionState, len(conns))
	for i, c := range conns {
		out[i] = ConnectionState{ConnectionSegment: c, State: stateOf(sample, c.SignalGroup)}
	}
	return out
}

// SignalHeads attaches signal state to the index's signal heads.
func SignalHeads(idx *GeometryIndex, sample *domain.SpatSample) []SignalHeadState {
	heads := idx.Heads()
	out := make([]SignalHeadState, len(heads))
	for i, h := range heads {
		out[i] = SignalHeadState{SignalHead: h, State: stateOf(sample, h.SignalGroup)}
	}
	return out
}

func stateOf(sample *domain.SpatSample, group int) domain.SignalState {
	if sample == nil {
		return domain.StateUnavailable
	}
	if state, ok := sample.StateFor(group); ok {
		return state
	}
	return domain.StateUnavailable
}

// FilterByWindow keeps the items whose timestamp lies within the window,
// both ends inclusive, preserving order.
func FilterByWindow[T domain.Timestamped](items []T, window domain.TimeWindow) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if window.Contains(it.At()) {
			out = append(out, it)
		}
	}
	return out
}

// Fuse computes the view for one window. It fails with ErrEmptyResult when
// no MAP snapshot is retained and with ErrIntersectionMismatch when the
// snapshot belongs to another intersection than the query. A missing SPAT
// sample is not an error: the view is returned with every signal
// UNAVAILABLE and SignalAvailable unset.
func Fuse(in FuseInput) (FusedView, error) {
	if in.Map == nil {
		return FusedView{}, domain.ErrEmptyResult
	}
	if !in.Map.SameIntersection(in.Query) {
		return FusedView{}, fmt.Errorf("fuser: map %d/%d for query %d/%d: %w",
			in.Map.RoadRegulatorID, in.Map.IntersectionID,
			in.Query.RoadRegulatorID, in.Query.IntersectionID, domain.ErrIntersectionMismatch)
	}
	idx := in.Index
	if idx == nil || idx.Snapshot().ReceivedAt != in.Map.ReceivedAt {
		idx = NewGeometryIndex(*in.Map)
	}

	view := FusedView{
		IntersectionID:  in.Map.IntersectionID,
		RoadRegulatorID: in.Map.RoadRegulatorID,
		RefPoint:        in.Map.RefPoint,
		Window:          in.Window,
		MapTime:         in.Map.ReceivedAt,
	}

	var sample *domain.SpatSample
	if s, ok := Resolve(in.Spat, in.Window); ok {
		sample = &s
		view.SpatTime = s.ReceivedAt
		view.SignalAvailable = true
	}
	view.Connections = JoinSignalState(idx, sample)
	view.SignalHeads = SignalHeads(idx, sample)

	view.Vehicles = FilterByWindow(in.Bsm, in.Window)
	sort.SliceStable(view.Vehicles, func(i, j int) bool {
		return view.Vehicles[i].ReceivedAt > view.Vehicles[j].ReceivedAt
	})
	view.VehicleColors = VehicleColors(view.Vehicles)
	view.Events = FilterByWindow(in.Events, in.Window)
	view.Notifications = FilterByWindow(in.Notifications, in.Window)
	return view, nil
}

// Warning reports a degraded but usable view: ErrStaleWindow when no SPAT
// sample fell inside the window.
func (v FusedView) Warning() error {
	if v.SignalAvailable {
		return nil
	}
	return fmt.Errorf("fuser: window %d..%d: %w", v.Window.Start, v.Window.End, domain.ErrStaleWindow)
}

// VehicleColors assigns each distinct vehicle id a hex color, with hues
// spaced evenly around the color wheel in order of first appearance.
func VehicleColors(reports []domain.BsmReport) map[string]string {
	var ids []string
	seen := make(map[string]struct{})
	for _, r := range reports {
		if _, ok := seen[r.VehicleID]; ok {
			continue
		}
		seen[r.VehicleID] = struct{}{}
		ids = append(ids, r.VehicleID)
	}
	sort.Strings(ids)

	colors := make(map[string]string, len(ids))
	for i, id := range ids {
		hue := utils.Lerp(0, 360, float64(i)/float64(len(ids)))
		colors[id] = hslToHex(hue, 0.85, 0.5)
	}
	return colors
}

func hslToHex(h, s, l float64) string {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	toByte := func(v float64) int { return int(math.Round(utils.Clamp(v+m, 0, 1) * 255)) }
	return fmt.Sprintf("#%02x%02x%02x", toByte(r), toByte(g), toByte(b))
}

// Layers are the GeoJSON feature collections of a fused view
type Layers struct {
	Connections *geojson.FeatureCollection `json:"connections"`
	SignalHeads *geojson.FeatureCollection `json:"signalHeads"`
	Vehicles    *geojson.FeatureCollection `json:"vehicles"`
}

// GeoJSON renders the view as feature collections with [lon, lat]
// coordinates. Connections without two known end points are omitted.
func (v FusedView) GeoJSON() Layers {
	layers := Layers{
		Connections: geojson.NewFeatureCollection(),
		SignalHeads: geojson.NewFeatureCollection(),
		Vehicles:    geojson.NewFeatureCollection(),
	}

	for _, c := range v.Connections {
		if len(c.Path) < 2 {
			continue
		}
		coords := make([][]float64, len(c.Path))
		for i, p := range c.Path {
			coords[i] = lonLat(p)
		}
		f := geojson.NewLineStringFeature(coords)
		f.SetProperty("laneId", c.LaneID)
		f.SetProperty("connectingLaneId", c.ConnectingLaneID)
		f.SetProperty("signalGroup", c.SignalGroup)
		f.SetProperty("signalState", string(c.State))
		layers.Connections.AddFeature(f)
	}

	for _, h := range v.SignalHeads {
		f := geojson.NewPointFeature(lonLat(h.Position))
		f.SetProperty("laneId", h.LaneID)
		f.SetProperty("signalGroup", h.SignalGroup)
		f.SetProperty("signalState", string(h.State))
		f.SetProperty("orientation", utils.RoundTo(h.Bearing, 2))
		layers.SignalHeads.AddFeature(f)
	}

	for _, b := range v.Vehicles {
		f := geojson.NewPointFeature(lonLat(b.Position))
		f.SetProperty("id", b.VehicleID)
		f.SetProperty("odeReceivedAt", int64(b.ReceivedAt))
		if color, ok := v.VehicleColors[b.VehicleID]; ok {
			f.SetProperty("color", color)
		}
		layers.Vehicles.AddFeature(f)
	}
	return layers
}

func lonLat(p domain.Point) []float64 {
	return []float64{p.Longitude, p.Latitude}
}
