package service

import (
	"sort"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/pkg/utils"
)

// ConnectionSegment represents one lane-to-lane movement through the
// intersection, drawn from the stop bar of the source lane to the start of
// the connecting lane.
type ConnectionSegment struct {
	LaneID           int            `json:"laneId"`
	ConnectingLaneID int            `json:"connectingLaneId"`
	SignalGroup      int            `json:"signalGroup"`
	Path             []domain.Point `json:"path"`
}

// SignalHead represents the signal marker placed at an ingress lane's stop
// bar and oriented along the direction of travel.
type SignalHead struct {
	LaneID      int          `json:"laneId"`
	SignalGroup int          `json:"signalGroup"`
	Position    domain.Point `json:"position"`
	Bearing     float64      `json:"bearing"`
}

// GeometryIndex is the lane and connection geometry derived from one MAP
// snapshot. It is built once per snapshot and never mutated.
type GeometryIndex struct {
	snapshot    domain.MapSnapshot
	lanes       map[int]domain.Lane
	connections []ConnectionSegment
	heads       []SignalHead
}

// NewGeometryIndex indexes a MAP snapshot.
func NewGeometryIndex(m domain.MapSnapshot) *GeometryIndex {
	idx := &GeometryIndex{
		snapshot: m,
		lanes:    make(map[int]domain.Lane, len(m.Lanes)),
	}
	for _, lane := range m.Lanes {
		idx.lanes[lane.LaneID] = lane
	}

	for _, lane := range m.Lanes {
		for _, conn := range lane.ConnectsTo {
			seg := ConnectionSegment{
				LaneID:           lane.LaneID,
				ConnectingLaneID: conn.ConnectingLaneID,
				SignalGroup:      conn.SignalGroup,
			}
			if len(lane.Geometry) > 0 {
				seg.Path = append(seg.Path, lane.Geometry[0])
			}
			if target, ok := idx.lanes[conn.ConnectingLaneID]; ok && len(target.Geometry) > 0 {
				seg.Path = append(seg.Path, target.Geometry[0])
			}
			idx.connections = append(idx.connections, seg)
		}

		// Heads sit on ingress lanes controlled through their first connection.
		if !lane.Ingress || len(lane.ConnectsTo) == 0 || lane.ConnectsTo[0].SignalGroup == 0 || len(lane.Geometry) == 0 {
			continue
		}
		head := SignalHead{
			LaneID:      lane.LaneID,
			SignalGroup: lane.ConnectsTo[0].SignalGroup,
			Position:    lane.Geometry[0],
		}
		if len(lane.Geometry) > 1 {
			head.Bearing = Bearing(lane.Geometry[1], lane.Geometry[0])
		}
		idx.heads = append(idx.heads, head)
	}

	sort.SliceStable(idx.connections, func(i, j int) bool {
		if idx.connections[i].LaneID != idx.connections[j].LaneID {
			return idx.connections[i].LaneID < idx.connections[j].LaneID
		}
		return idx.connections[i].ConnectingLaneID < idx.connections[j].ConnectingLaneID
	})
	return idx
}

// Snapshot returns the MAP snapshot the index was built from.
func (g *GeometryIndex) Snapshot() domain.MapSnapshot { return g.snapshot }

// Lane looks up a lane by id.
func (g *GeometryIndex) Lane(id int) (domain.Lane, bool) {
	lane, ok := g.lanes[id]
	return lane, ok
}

// Connections returns every lane connection ordered by lane id.
func (g *GeometryIndex) Connections() []ConnectionSegment { return g.connections }

// Heads returns one signal head per signalized ingress lane.
func (g *GeometryIndex) Heads() []SignalHead { return g.heads }

// Bearing returns the initial great-circle bearing from a to b in degrees,
// clockwise from north, in [0, 360).
func Bearing(a, b domain.Point) float64 {
	return utils.Bearing(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}
