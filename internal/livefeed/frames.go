// Package livefeed carries live intersection topics over a websocket. A
// client sends subscribe and unsubscribe frames naming topics; the server
// answers with one envelope per published message.
package livefeed

import "encoding/json"

// Frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameMessage     = "message"
	FrameError       = "error"
)

// frame is the single JSON shape used in both directions
type frame struct {
	Type    string          `json:"type"`
	Topics  []string        `json:"topics,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Message string          `json:"message,omitempty"`
}
