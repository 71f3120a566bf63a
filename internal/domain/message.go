package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StreamKind names one of the ingested streams.
type StreamKind string

// Streams
const (
	StreamMap           StreamKind = "map"
	StreamSpat          StreamKind = "spat"
	StreamBsm           StreamKind = "bsm"
	StreamEvents        StreamKind = "events"
	StreamNotifications StreamKind = "notifications"
)

// LiveStreams are the streams delivered over the live transport.
var LiveStreams = []StreamKind{StreamMap, StreamSpat, StreamBsm}

// Topic returns the live topic for one stream of one intersection.
func Topic(roadRegulatorID, intersectionID int, kind StreamKind) string {
	return fmt.Sprintf("/live/%d/%d/%s", roadRegulatorID, intersectionID, kind)
}

// KindOfTopic extracts the stream kind from a live topic.
func KindOfTopic(topic string) (StreamKind, bool) {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 {
		return "", false
	}
	kind := StreamKind(topic[i+1:])
	switch kind {
	case StreamMap, StreamSpat, StreamBsm:
		return kind, true
	}
	return "", false
}

// Message is a decoded live payload. Exactly one of Map, Spat or Bsm is set,
// selected by Kind.
type Message struct {
	Kind StreamKind
	Map  *MapSnapshot
	Spat *SpatSample
	Bsm  *BsmReport
}

// At returns the capture timestamp of whichever sample the message carries.
func (m Message) At() Timestamp {
	switch m.Kind {
	case StreamMap:
		return m.Map.ReceivedAt
	case StreamSpat:
		return m.Spat.ReceivedAt
	case StreamBsm:
		return m.Bsm.ReceivedAt
	}
	return 0
}

// DecodeMessage parses one live payload into the variant for kind. Payloads
// that fail to decode or miss required fields are rejected with
// ErrMalformedPayload.
func DecodeMessage(kind StreamKind, body []byte) (Message, error) {
	msg := Message{Kind: kind}
	switch kind {
	case StreamMap:
		var m MapSnapshot
		if err := decodeStrict(body, &m); err != nil {
			return Message{}, err
		}
		if m.ReceivedAt == 0 || len(m.Lanes) == 0 {
			return Message{}, fmt.Errorf("%w: map message without timestamp or lanes", ErrMalformedPayload)
		}
		msg.Map = &m
	case StreamSpat:
		var s SpatSample
		if err := decodeStrict(body, &s); err != nil {
			return Message{}, err
		}
		if s.ReceivedAt == 0 {
			return Message{}, fmt.Errorf("%w: spat message without timestamp", ErrMalformedPayload)
		}
		msg.Spat = &s
	case StreamBsm:
		var b BsmReport
		if err := decodeStrict(body, &b); err != nil {
			return Message{}, err
		}
		if b.ReceivedAt == 0 || b.VehicleID == "" {
			return Message{}, fmt.Errorf("%w: bsm message without timestamp or vehicle id", ErrMalformedPayload)
		}
		msg.Bsm = &b
	default:
		return Message{}, fmt.Errorf("%w: unknown stream %q", ErrMalformedPayload, kind)
	}
	return msg, nil
}

func decodeStrict(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
