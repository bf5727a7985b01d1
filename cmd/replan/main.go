package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeroops/replan/config"
	"github.com/aeroops/replan/conflict"
	"github.com/aeroops/replan/constraint"
	"github.com/aeroops/replan/engine"
	"github.com/aeroops/replan/ingest"
	"github.com/aeroops/replan/schedule"
	"github.com/aeroops/replan/snapshot"
	"github.com/aeroops/replan/store"
	"github.com/aeroops/replan/timeline"
)

func main() {
	root := &cobra.Command{
		Use:   "replan",
		Short: "Flight schedule repair engine",
	}
	root.AddCommand(serveCmd(), demoCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath, schedulePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the repair engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			initial, err := loadSchedule(schedulePath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, initial)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	cmd.Flags().StringVarP(&schedulePath, "schedule", "s", "", "path to initial schedule JSON")
	return cmd
}

func loadSchedule(path string) (*schedule.Schedule, error) {
	if path == "" {
		return schedule.New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var export schedule.Export
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return schedule.FromExport(export)
}

// newRegistry wires the closed constraint set. Registration happens only
// here, before the detector seals the registry.
func newRegistry(cfg config.Config) (*constraint.Registry, error) {
	buffers := cfg.Buffers()
	reg := constraint.NewRegistry()
	for _, c := range []constraint.Constraint{
		&constraint.ResourceOverlap{Buffers: buffers},
		&constraint.AvailabilityWindow{},
		&constraint.FlightCoverage{},
		&constraint.CrewDuty{Limit: cfg.DutyLimit.Std(), Window: cfg.DutyWindow.Std()},
		&constraint.PreferredTurnaround{
			Buffers:       buffers,
			Preferred:     cfg.PreferredTurnaround.Std(),
			CostPerMinute: cfg.Costs.SoftTurnaroundRate,
		},
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.Name(), err)
		}
	}
	return reg, nil
}

// system is the fully wired core, shared by serve and demo.
type system struct {
	store     *schedule.Store
	detector  *conflict.Detector
	ingestor  *ingest.Ingestor
	engine    *engine.Engine
	timeline  *timeline.Store
	snapshots *snapshot.Service
	hub       *snapshot.Hub
	closers   []func()
}

func (s *system) close() {
	for _, fn := range s.closers {
		fn()
	}
}

func buildSystem(ctx context.Context, cfg config.Config, initial *schedule.Schedule) (*system, error) {
	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	detector := conflict.NewDetector(registry, cfg.Lookaround.Std())

	// Cold starts over already-broken data are allowed; the engine's
	// sweep repairs them on its first pass.
	scheduleStore := schedule.NewStoreDegraded(initial, detector.Auditor())

	var dedup ingest.DedupIndex = ingest.NewMemoryDedup()
	sys := &system{}
	if cfg.RedisAddr != "" {
		rd, err := store.NewRedisDedup(ctx, cfg.RedisAddr, "", 0)
		if err != nil {
			return nil, fmt.Errorf("redis dedup: %w", err)
		}
		dedup = rd
		sys.closers = append(sys.closers, func() { rd.Close() })
		log.Printf("using redis dedup index at %s", cfg.RedisAddr)
	}

	var archive snapshot.Archive = store.NewMemoryArchive()
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresArchive(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres archive: %w", err)
		}
		archive = pg
		sys.closers = append(sys.closers, pg.Close)
		log.Printf("using postgres archive")
	}

	limiter := ingest.NewSourceLimiter(cfg.Ingest.RatePerSec, cfg.Ingest.Burst)
	ingestor := ingest.NewIngestor(scheduleStore, dedup, limiter, cfg.Ingest.DedupWindow.Std())

	hub := snapshot.NewHub()
	snapshots := snapshot.NewService(archive, hub, 256)
	tl := timeline.NewStore(0)

	eng := engine.New(scheduleStore, detector, ingestor, tl, snapshots,
		engine.Costs{
			ReassignPenalty:    cfg.Costs.ReassignPenalty,
			DeviationPerMinute: cfg.Costs.DeviationPerMinute,
		},
		engine.Limits{
			MaxNodes:   cfg.Search.MaxNodes,
			MaxDepth:   cfg.Search.MaxDepth,
			Timeout:    cfg.Search.Timeout.Std(),
			MaxRetries: cfg.Search.MaxRetries,
			MaxBatch:   cfg.Search.MaxBatch,
		},
		cfg.Buffers(),
	)

	sys.store = scheduleStore
	sys.detector = detector
	sys.ingestor = ingestor
	sys.engine = eng
	sys.timeline = tl
	sys.snapshots = snapshots
	sys.hub = hub
	return sys, nil
}

func serve(ctx context.Context, cfg config.Config, initial *schedule.Schedule) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := buildSystem(ctx, cfg, initial)
	if err != nil {
		return err
	}
	defer sys.close()

	go sys.hub.Run(ctx)
	go sys.engine.Run(ctx, cfg.SweepInterval.Std())

	api := newAPI(sys)
	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      api.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("replan listening on %s (schedule version %d, %d flights)",
		cfg.Listen, sys.store.Version(), len(sys.store.Snapshot().Flights))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
