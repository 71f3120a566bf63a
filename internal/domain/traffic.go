package domain

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// RefPoint is the intersection reference position reported in a MAP message
type RefPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

// Point returns the reference position without elevation.
func (r RefPoint) Point() Point {
	return Point{Latitude: r.Latitude, Longitude: r.Longitude}
}

// Connection links a lane to a downstream lane and names the signal group
// that controls the movement.
type Connection struct {
	ConnectingLaneID int `json:"connectingLaneId"`
	SignalGroup      int `json:"signalGroup"`
}

// Lane is a single lane segment of the intersection geometry
type Lane struct {
	LaneID     int          `json:"laneId"`
	Ingress    bool         `json:"ingressApproach"`
	Geometry   []Point      `json:"geometry"`
	ConnectsTo []Connection `json:"connectsTo,omitempty"`
}

// MapSnapshot is one observation of intersection geometry. A snapshot is
// never modified after decode; newer snapshots replace it wholesale.
type MapSnapshot struct {
	IntersectionID  int       `json:"intersectionId"`
	RoadRegulatorID int       `json:"roadRegulatorId"`
	RefPoint        RefPoint  `json:"refPoint"`
	Lanes           []Lane    `json:"lanes"`
	ReceivedAt      Timestamp `json:"odeReceivedAt"`
}

// At returns the capture timestamp.
func (m MapSnapshot) At() Timestamp { return m.ReceivedAt }

// SameIntersection reports whether the snapshot belongs to the intersection
// named by the query. A negative road regulator in the query matches any.
func (m MapSnapshot) SameIntersection(q QueryParams) bool {
	return q.names(m.IntersectionID, m.RoadRegulatorID)
}
