// Package bundle replays an exported capture of MAP, SPAT, BSM and
// notification messages as a historical source.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/smartcity/intersection/internal/domain"
)

// Bundle validation errors
var (
	ErrNoMap  = errors.New("bundle: no MAP messages")
	ErrNoSpat = errors.New("bundle: no SPAT messages")
)

// Bundle is one imported capture. Every slice is kept oldest first.
type Bundle struct {
	Maps          []domain.MapSnapshot  `json:"mapData"`
	Spat          []domain.SpatSample   `json:"spatData"`
	Bsm           []domain.BsmReport    `json:"bsmData"`
	Notifications []domain.Notification `json:"notificationData"`
	Events        []domain.Event        `json:"eventData,omitempty"`
}

// Decode reads a bundle and checks it carries enough to replay: at least
// one MAP and one SPAT message.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("bundle: failed to decode: %w", err)
	}
	if len(b.Maps) == 0 {
		return nil, ErrNoMap
	}
	if len(b.Spat) == 0 {
		return nil, ErrNoSpat
	}
	sortAscending(b.Maps)
	sortAscending(b.Spat)
	sortAscending(b.Bsm)
	sortAscending(b.Notifications)
	sortAscending(b.Events)
	return &b, nil
}

// Open decodes the bundle stored at path
func Open(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Query is the replay range of the bundle: from the oldest to the newest
// SPAT message, with the cursor at the start. The intersection is taken
// from the first MAP and any road regulator matches. When the newest MAP
// was captured after the last SPAT message the range is stretched to it,
// so the geometry is never outside the replay.
func (b *Bundle) Query() domain.QueryParams {
	start := b.Spat[0].ReceivedAt
	end := b.Spat[len(b.Spat)-1].ReceivedAt
	if latest := b.Maps[len(b.Maps)-1].ReceivedAt; latest > end {
		end = latest
	}
	return domain.QueryParams{
		IntersectionID:  b.Maps[0].IntersectionID,
		RoadRegulatorID: -1,
		Start:           start,
		End:             end,
		EventTime:       start,
	}
}

// Repository serves a decoded bundle through domain.HistoricalSource
type Repository struct {
	bundle *Bundle
}

// NewRepository creates a repository over b
func NewRepository(b *Bundle) *Repository {
	return &Repository{bundle: b}
}

func matches(q domain.RangeQuery, intersectionID, roadRegulatorID int) bool {
	if intersectionID != q.IntersectionID {
		return false
	}
	return q.RoadRegulatorID < 0 || roadRegulatorID < 0 || roadRegulatorID == q.RoadRegulatorID
}

func inRange(q domain.RangeQuery, ts domain.Timestamp) bool {
	return ts >= q.Start && ts <= q.End
}

// FetchLatestMap returns the newest MAP captured at or before q.End
func (r *Repository) FetchLatestMap(ctx context.Context, q domain.RangeQuery) ([]domain.MapSnapshot, error) {
	maps := r.bundle.Maps
	for i := len(maps) - 1; i >= 0; i-- {
		m := maps[i]
		if m.ReceivedAt <= q.End && matches(q, m.IntersectionID, m.RoadRegulatorID) {
			return []domain.MapSnapshot{m}, nil
		}
	}
	return nil, nil
}

// FetchSpat returns the SPAT messages in range
func (r *Repository) FetchSpat(ctx context.Context, q domain.RangeQuery) ([]domain.SpatSample, error) {
	var out []domain.SpatSample
	for _, s := range r.bundle.Spat {
		if inRange(q, s.ReceivedAt) && matches(q, s.IntersectionID, s.RoadRegulatorID) {
			out = append(out, s)
		}
	}
	return out, nil
}

// FetchBsm returns the vehicle reports in range. Imported reports were
// selected when the bundle was exported, so no radius is applied.
func (r *Repository) FetchBsm(ctx context.Context, q domain.BsmQuery) ([]domain.BsmReport, error) {
	var out []domain.BsmReport
	for _, b := range r.bundle.Bsm {
		if !inRange(q.RangeQuery, b.ReceivedAt) {
			continue
		}
		if q.VehicleID != "" && b.VehicleID != q.VehicleID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// FetchEvents returns the events in range
func (r *Repository) FetchEvents(ctx context.Context, q domain.RangeQuery) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range r.bundle.Events {
		if inRange(q, e.GeneratedAt) && matches(q, e.IntersectionID, e.RoadRegulatorID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FetchNotifications returns the notifications in range
func (r *Repository) FetchNotifications(ctx context.Context, q domain.RangeQuery) ([]domain.Notification, error) {
	var out []domain.Notification
	for _, n := range r.bundle.Notifications {
		if inRange(q, n.GeneratedAt) && matches(q, n.IntersectionID, n.RoadRegulatorID) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Health always returns nil for an imported bundle
func (r *Repository) Health(ctx context.Context) error {
	return nil
}

func sortAscending[T domain.Timestamped](items []T) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].At() < items[j].At() })
}
