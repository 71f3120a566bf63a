package domain

import "encoding/json"

// EventTypes lists the conflict monitor event kinds fetched for a replay.
var EventTypes = []string{
	"connection_of_travel",
	"intersection_reference_alignment",
	"lane_direction_of_travel",
	"signal_group_alignment",
	"signal_state_conflict",
	"signal_state",
	"signal_state_stop",
	"time_change_details",
	"map_minimum_data",
	"spat_minimum_data",
	"map_broadcast_rate",
	"spat_broadcast_rate",
}

// Event is a conflict monitor event raised for an intersection
type Event struct {
	EventType       string          `json:"eventType"`
	IntersectionID  int             `json:"intersectionID"`
	RoadRegulatorID int             `json:"roadRegulatorID"`
	GeneratedAt     Timestamp       `json:"eventGeneratedAt"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// At returns the generation timestamp.
func (e Event) At() Timestamp { return e.GeneratedAt }

// Notification is a conflict monitor notification raised for an intersection
type Notification struct {
	NotificationType string          `json:"notificationType"`
	Text             string          `json:"notificationText"`
	IntersectionID   int             `json:"intersectionID"`
	RoadRegulatorID  int             `json:"roadRegulatorID"`
	GeneratedAt      Timestamp       `json:"notificationGeneratedAt"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// At returns the generation timestamp.
func (n Notification) At() Timestamp { return n.GeneratedAt }
