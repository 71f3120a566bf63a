// Command replay serves a synthetic live feed and prints fused views for
// historical ranges without running the API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/livefeed"
	"github.com/smartcity/intersection/internal/repository/bundle"
	"github.com/smartcity/intersection/internal/repository/postgres"
	"github.com/smartcity/intersection/internal/service"
)

var cli struct {
	Serve ServeCmd `cmd:"" help:"Publish synthetic MAP, SPAT and BSM messages over the live feed."`
	View  ViewCmd  `cmd:"" help:"Load a historical range and print the fused view at a cursor."`
}

type ServeCmd struct {
	Addr          string        `default:":8090" env:"REPLAY_ADDR" help:"Listen address for the feed."`
	Intersection  int           `default:"12109" env:"INTERSECTION_ID" help:"Intersection to publish."`
	RoadRegulator int           `default:"-1" env:"ROAD_REGULATOR_ID" help:"Road regulator of the intersection."`
	Interval      time.Duration `default:"100ms" help:"Delay between SPAT messages."`
	MapEvery      int           `default:"10" help:"Publish a MAP every n SPAT messages."`
}

// Run publishes one tick per Interval until interrupted.
func (s *ServeCmd) Run() error {
	if s.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	repo := postgres.NewMockRepository()
	hub := livefeed.NewHub()
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := &http.Server{Addr: s.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("replay: feed server error: %v", err)
		}
	}()

	runID := uuid.NewString()
	log.Printf("replay %s: publishing %d/%d on ws://%s/ws", runID, s.RoadRegulator, s.Intersection, s.Addr)

	topic := func(kind domain.StreamKind) string {
		return domain.Topic(s.RoadRegulator, s.Intersection, kind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			log.Printf("replay %s: stopped after %d ticks", runID, n)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case now := <-ticker.C:
			ts := domain.TimestampOf(now)
			if s.MapEvery <= 1 || n%s.MapEvery == 0 {
				if _, err := hub.Publish(topic(domain.StreamMap), repo.MapAt(s.Intersection, s.RoadRegulator, ts)); err != nil {
					return err
				}
			}
			if _, err := hub.Publish(topic(domain.StreamSpat), repo.SpatAt(s.Intersection, s.RoadRegulator, ts)); err != nil {
				return err
			}
			for _, v := range repo.VehiclesAt(s.Intersection, ts) {
				if _, err := hub.Publish(topic(domain.StreamBsm), v); err != nil {
					return err
				}
			}
		}
	}
}

type ViewCmd struct {
	DatabaseURL   string        `env:"DATABASE_URL" help:"PostgreSQL connection string. Synthetic data is used when empty."`
	Intersection  int           `default:"12109" env:"INTERSECTION_ID" help:"Intersection to load."`
	RoadRegulator int           `default:"-1" env:"ROAD_REGULATOR_ID" help:"Road regulator of the intersection."`
	EventTime     time.Time     `help:"Event time (RFC 3339). Defaults to now."`
	Before        time.Duration `default:"60s" help:"Range loaded before the event."`
	After         time.Duration `default:"10s" help:"Range loaded after the event."`
	Cursor        time.Duration `default:"-1ns" help:"Cursor offset from range start. Defaults to the event time."`
	Window        time.Duration `default:"60s" help:"Visible window width."`
	Radius        float64       `default:"500" env:"BSM_RADIUS_METERS" help:"BSM geofence radius in meters."`
	GeoJSON       bool          `name:"geojson" help:"Print GeoJSON layers instead of the view."`
	Bundle        string        `type:"existingfile" help:"Replay an exported JSON capture. Its SPAT messages set the range."`
}

// Run loads the range once, fuses the window at the cursor and prints it.
// With --bundle the capture replaces the database and range flags.
func (v *ViewCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventTime := v.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now()
	}
	q := domain.QueryAround(v.Intersection, v.RoadRegulator, eventTime, v.Before, v.After)

	var source domain.HistoricalSource = postgres.NewMockRepository()
	switch {
	case v.Bundle != "":
		b, err := bundle.Open(v.Bundle)
		if err != nil {
			return err
		}
		source = bundle.NewRepository(b)
		q = b.Query()
	case v.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, v.DatabaseURL)
		if err != nil {
			return fmt.Errorf("replay: failed to connect: %w", err)
		}
		defer pool.Close()
		source = postgres.NewPostgresRepository(pool)
	}
	if !q.Valid() {
		return service.ErrInvalidQuery
	}

	res := service.NewBulkIngestor(source, v.Radius).Load(ctx, q)
	if err := res.Err(); err != nil {
		log.Printf("replay: partial load: %v", err)
	}

	cursor := v.Cursor
	if cursor < 0 {
		cursor = q.InitialCursor()
	}
	view, err := service.Fuse(service.FuseInput{
		Query:         q,
		Window:        q.WindowAt(cursor, v.Window),
		Map:           res.Map,
		Spat:          res.Spat,
		Bsm:           res.Bsm,
		Events:        res.Events,
		Notifications: res.Notifications,
	})
	if err != nil {
		return err
	}
	if err := view.Warning(); err != nil {
		log.Printf("replay: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if v.GeoJSON {
		return enc.Encode(view.GeoJSON())
	}
	return enc.Encode(view)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("replay: ignoring .env: %v", err)
	}
	ctx := kong.Parse(&cli,
		kong.Name("replay"),
		kong.Description("Intersection feed replay and view inspection."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
