package domain

import (
	"context"
	"time"
)

// RangeQuery selects records of one intersection within [Start, End].
type RangeQuery struct {
	IntersectionID  int
	RoadRegulatorID int
	Start           Timestamp
	End             Timestamp
}

// BsmQuery selects vehicle reports near an intersection.
type BsmQuery struct {
	RangeQuery
	VehicleID    string
	Center       Point
	RadiusMeters float64
}

// HistoricalSource defines the interface for historical stream queries.
// Implementations may return records in any order; callers sort.
type HistoricalSource interface {
	// FetchLatestMap returns at most one snapshot: the newest captured at or before end
	FetchLatestMap(ctx context.Context, q RangeQuery) ([]MapSnapshot, error)

	// FetchSpat returns every SPAT sample in range
	FetchSpat(ctx context.Context, q RangeQuery) ([]SpatSample, error)

	// FetchBsm returns vehicle reports in range within the query radius
	FetchBsm(ctx context.Context, q BsmQuery) ([]BsmReport, error)

	// FetchEvents returns conflict monitor events of every type in range
	FetchEvents(ctx context.Context, q RangeQuery) ([]Event, error)

	// FetchNotifications returns notifications in range
	FetchNotifications(ctx context.Context, q RangeQuery) ([]Notification, error)

	// Health checks connectivity
	Health(ctx context.Context) error
}

// LiveMessage is one raw message received on a live topic.
type LiveMessage struct {
	Topic string
	Body  []byte
}

// Subscription is an open set of live topic subscriptions over one
// connection. Messages is closed once the subscription ends.
type Subscription interface {
	Messages() <-chan LiveMessage
	// Err reports why the message channel closed, nil after Close.
	Err() error
	// Close unsubscribes, releases the connection and returns once no
	// further messages will be delivered.
	Close() error
}

// LiveTransport opens subscriptions on the publish/subscribe channel.
type LiveTransport interface {
	Subscribe(ctx context.Context, topics []string) (Subscription, error)
}

// RejectedMessage is a live payload that failed to decode.
type RejectedMessage struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Body       []byte    `json:"body"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// Quarantine keeps rejected live payloads for later inspection.
type Quarantine interface {
	Put(msg RejectedMessage) error
	// List returns up to limit messages, newest first
	List(limit int) ([]RejectedMessage, error)
	Close() error
}
