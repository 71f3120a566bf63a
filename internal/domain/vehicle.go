package domain

import "encoding/json"

// BsmReport is one vehicle position broadcast. Vendor attributes are kept
// opaque and only passed through to consumers.
type BsmReport struct {
	VehicleID  string                     `json:"id"`
	Position   Point                      `json:"position"`
	ReceivedAt Timestamp                  `json:"odeReceivedAt"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// At returns the capture timestamp.
func (b BsmReport) At() Timestamp { return b.ReceivedAt }
