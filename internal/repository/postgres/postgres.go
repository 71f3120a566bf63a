package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/pkg/utils"
)

//go:embed schema.sql
var schema string

// PostgresRepository implements domain.HistoricalSource
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the message tables if they do not exist
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return nil
}

// FetchLatestMap retrieves the newest MAP message captured at or before q.End
func (r *PostgresRepository) FetchLatestMap(ctx context.Context, q domain.RangeQuery) ([]domain.MapSnapshot, error) {
	query := `
		SELECT payload
		FROM map_messages
		WHERE intersection_id = $1
		  AND ($2 < 0 OR road_regulator_id = $2)
		  AND ode_received_at <= $3
		ORDER BY ode_received_at DESC
		LIMIT 1
	`

	rows, err := r.pool.Query(ctx, query, q.IntersectionID, q.RoadRegulatorID, int64(q.End))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query map messages: %w", err)
	}
	defer rows.Close()

	var results []domain.MapSnapshot
	for rows.Next() {
		var m domain.MapSnapshot
		if err := scanPayload(rows, &m); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan map row: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read map rows: %w", err)
	}

	return results, nil
}

// FetchSpat retrieves SPAT messages in range, newest first
func (r *PostgresRepository) FetchSpat(ctx context.Context, q domain.RangeQuery) ([]domain.SpatSample, error) {
	query := `
		SELECT payload
		FROM spat_messages
		WHERE intersection_id = $1
		  AND ($2 < 0 OR road_regulator_id = $2)
		  AND ode_received_at BETWEEN $3 AND $4
		ORDER BY ode_received_at DESC
	`

	rows, err := r.pool.Query(ctx, query, q.IntersectionID, q.RoadRegulatorID, int64(q.Start), int64(q.End))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query spat messages: %w", err)
	}
	defer rows.Close()

	var results []domain.SpatSample
	for rows.Next() {
		var s domain.SpatSample
		if err := scanPayload(rows, &s); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan spat row: %w", err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read spat rows: %w", err)
	}

	return results, nil
}

// FetchBsm retrieves vehicle reports in range within q.RadiusMeters of
// q.Center, newest first. The bounding box prefilters in SQL; the exact
// great-circle distance is checked here.
func (r *PostgresRepository) FetchBsm(ctx context.Context, q domain.BsmQuery) ([]domain.BsmReport, error) {
	dLat, dLon := utils.OffsetDegrees(q.Center.Latitude, q.RadiusMeters)
	query := `
		SELECT vehicle_id, latitude, longitude, ode_received_at, payload
		FROM bsm_messages
		WHERE ode_received_at BETWEEN $1 AND $2
		  AND latitude BETWEEN $3 AND $4
		  AND longitude BETWEEN $5 AND $6
		  AND ($7 = '' OR vehicle_id = $7)
		ORDER BY ode_received_at DESC
	`

	rows, err := r.pool.Query(ctx, query,
		int64(q.Start), int64(q.End),
		q.Center.Latitude-dLat, q.Center.Latitude+dLat,
		q.Center.Longitude-dLon, q.Center.Longitude+dLon,
		q.VehicleID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query bsm messages: %w", err)
	}
	defer rows.Close()

	var results []domain.BsmReport
	for rows.Next() {
		var (
			b       domain.BsmReport
			ts      int64
			payload []byte
		)
		if err := rows.Scan(&b.VehicleID, &b.Position.Latitude, &b.Position.Longitude, &ts, &payload); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan bsm row: %w", err)
		}
		b.ReceivedAt = domain.Timestamp(ts)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &b.Attributes); err != nil {
				return nil, fmt.Errorf("postgres: failed to decode bsm payload: %w", err)
			}
		}
		if WithinRadius(q.Center, b.Position, q.RadiusMeters) {
			results = append(results, b)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read bsm rows: %w", err)
	}

	return results, nil
}

// FetchEvents retrieves conflict monitor events of every known type in range
func (r *PostgresRepository) FetchEvents(ctx context.Context, q domain.RangeQuery) ([]domain.Event, error) {
	query := `
		SELECT event_type, intersection_id, road_regulator_id, event_generated_at, payload
		FROM monitor_events
		WHERE intersection_id = $1
		  AND ($2 < 0 OR road_regulator_id = $2)
		  AND event_generated_at BETWEEN $3 AND $4
		  AND event_type = ANY($5)
		ORDER BY event_generated_at DESC
	`

	rows, err := r.pool.Query(ctx, query, q.IntersectionID, q.RoadRegulatorID, int64(q.Start), int64(q.End), domain.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query events: %w", err)
	}
	defer rows.Close()

	var results []domain.Event
	for rows.Next() {
		var (
			e  domain.Event
			ts int64
		)
		if err := rows.Scan(&e.EventType, &e.IntersectionID, &e.RoadRegulatorID, &ts, &e.Payload); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan event row: %w", err)
		}
		e.GeneratedAt = domain.Timestamp(ts)
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read event rows: %w", err)
	}

	return results, nil
}

// FetchNotifications retrieves notifications in range
func (r *PostgresRepository) FetchNotifications(ctx context.Context, q domain.RangeQuery) ([]domain.Notification, error) {
	query := `
		SELECT notification_type, notification_text, intersection_id, road_regulator_id,
			   notification_generated_at, payload
		FROM monitor_notifications
		WHERE intersection_id = $1
		  AND ($2 < 0 OR road_regulator_id = $2)
		  AND notification_generated_at BETWEEN $3 AND $4
		ORDER BY notification_generated_at DESC
	`

	rows, err := r.pool.Query(ctx, query, q.IntersectionID, q.RoadRegulatorID, int64(q.Start), int64(q.End))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query notifications: %w", err)
	}
	defer rows.Close()

	var results []domain.Notification
	for rows.Next() {
		var (
			n  domain.Notification
			ts int64
		)
		if err := rows.Scan(&n.NotificationType, &n.Text, &n.IntersectionID, &n.RoadRegulatorID, &ts, &n.Payload); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan notification row: %w", err)
		}
		n.GeneratedAt = domain.Timestamp(ts)
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read notification rows: %w", err)
	}

	return results, nil
}

// Health checks database connectivity
func (r *PostgresRepository) Health(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayload(row scanner, v any) error {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// WithinRadius reports whether p lies within meters of center
func WithinRadius(center, p domain.Point, meters float64) bool {
	return utils.Haversine(center.Latitude, center.Longitude, p.Latitude, p.Longitude)*1000 <= meters
}
