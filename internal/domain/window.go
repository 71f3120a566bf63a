package domain

import "time"

// TimeWindow is the visible range, inclusive on both ends.
type TimeWindow struct {
	Start Timestamp `json:"start"`
	End   Timestamp `json:"end"`
}

// Unbounded is the window containing every timestamp.
var Unbounded = TimeWindow{Start: MinTimestamp, End: MaxTimestamp}

// Contains reports whether t lies within the window.
func (w TimeWindow) Contains(t Timestamp) bool {
	return t >= w.Start && t <= w.End
}

// QueryParams identifies what a session is looking at: one intersection and
// one historical range.
type QueryParams struct {
	IntersectionID  int       `json:"intersectionId"`
	RoadRegulatorID int       `json:"roadRegulatorId"`
	Start           Timestamp `json:"startTime"`
	End             Timestamp `json:"endTime"`
	EventTime       Timestamp `json:"eventTime"`
	VehicleID       string    `json:"vehicleId,omitempty"`
}

// QueryAround builds a range of before/after around eventTime.
func QueryAround(intersectionID, roadRegulatorID int, eventTime time.Time, before, after time.Duration) QueryParams {
	event := TimestampOf(eventTime)
	return QueryParams{
		IntersectionID:  intersectionID,
		RoadRegulatorID: roadRegulatorID,
		Start:           event.Add(-before),
		End:             event.Add(after),
		EventTime:       event,
	}
}

// Valid reports whether the query names an intersection and a forward range.
func (q QueryParams) Valid() bool {
	return q.IntersectionID != 0 && q.End >= q.Start
}

// names reports whether the query targets intersectionID under
// roadRegulatorID. A negative road regulator on either side matches any.
func (q QueryParams) names(intersectionID, roadRegulatorID int) bool {
	if intersectionID != q.IntersectionID {
		return false
	}
	return q.RoadRegulatorID < 0 || roadRegulatorID < 0 || roadRegulatorID == q.RoadRegulatorID
}

// Range is the width of the requested historical range. Live retention uses
// it as the cutoff distance for the whole session.
func (q QueryParams) Range() time.Duration {
	return q.End.Sub(q.Start)
}

// InitialCursor places the cursor on the event time, clamped to the range.
func (q QueryParams) InitialCursor() time.Duration {
	toEvent := q.EventTime.Sub(q.Start)
	if q.EventTime == 0 || toEvent > q.Range() {
		return q.Range()
	}
	if toEvent < 0 {
		return 0
	}
	return toEvent
}

// WindowAt derives the visible window for a cursor offset from Start and a
// window width.
func (q QueryParams) WindowAt(cursor, width time.Duration) TimeWindow {
	end := q.Start.Add(cursor)
	return TimeWindow{Start: end.Add(-width), End: end}
}
