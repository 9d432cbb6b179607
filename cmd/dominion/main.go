// Command dominion runs the territorial analytics and balance session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/dominion/internal/api"
	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/economy"
	"github.com/talgya/dominion/internal/engine"
	"github.com/talgya/dominion/internal/entropy"
	"github.com/talgya/dominion/internal/persistence"
	"github.com/talgya/dominion/internal/social"
	"github.com/talgya/dominion/internal/victory"
	"github.com/talgya/dominion/internal/world"
)

func main() {
	configPath := flag.String("config", "", "YAML tuning file (defaults when empty)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	port := flag.Int("port", 0, "HTTP API port (overrides config)")
	seed := flag.Int64("seed", 0, "world seed (overrides config)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Dominion: territorial analytics and balance engine")

	// ── Configuration ────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", *configPath)
	}
	if *dbPath != "" {
		cfg.Persistence.Path = *dbPath
	}
	if *port != 0 {
		cfg.API.Port = *port
	}
	if *seed != 0 {
		cfg.World.Seed = *seed
	}

	// ── Territory ledger (always regenerated, deterministic from seed) ──
	gen := world.DefaultGenConfig()
	gen.Radius = cfg.World.Radius
	gen.Seed = cfg.World.Seed
	ledger := world.Generate(gen)
	ledger.FlipMargin = cfg.World.FlipMargin
	ledger.ContestRatio = cfg.World.ContestRatio

	roster := social.NewRoster(social.SeedFactions())
	world.SeedControl(ledger, roster.IDs(), cfg.World.ControlShare, cfg.World.Seed)
	for kind, n := range world.KindCounts(ledger) {
		slog.Info("territory kind", "kind", kind, "count", n)
	}

	all, err := ledger.AllTerritories(context.Background())
	if err != nil {
		slog.Error("failed to read territories", "error", err)
		os.Exit(1)
	}
	routes := economy.BuildRoutes(all, cfg.World.RouteReach)
	slog.Info("ledger ready",
		"territories", ledger.Count(),
		"factions", roster.Len(),
		"routes", len(routes.AllRoutes()),
		"seed", cfg.World.Seed,
	)

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Persistence.Path); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	db, err := persistence.Open(cfg.Persistence.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Persistence.Path, "saved_state", db.HasState())

	saver := persistence.NewSaver(db, cfg.Persistence.Workers, cfg.Persistence.QueueSize)

	// ── Entropy ───────────────────────────────────────────────────────
	src := entropy.FromKey(os.Getenv("RANDOM_ORG_API_KEY"))
	if _, ok := src.(*entropy.Client); ok {
		slog.Info("random.org entropy enabled")
	} else {
		slog.Info("RANDOM_ORG_API_KEY not set, using crypto/rand entropy")
	}

	// ── Simulation ────────────────────────────────────────────────────
	sim := engine.NewSimulation(cfg, engine.Options{
		Ledger: ledger,
		Roster: roster,
		Routes: routes,
		Source: src,
		Saver:  saver,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sim.Start(ctx); err != nil {
		slog.Error("initial refresh failed", "error", err)
		os.Exit(1)
	}

	eng := engine.NewEngine()
	eng.Interval = cfg.Engine.CheckInterval
	eng.BatchEvery = cfg.BatchEvery()
	eng.SoftBudget = cfg.Engine.SoftBudget

	// Saved progression is restored at the start of the first tick after
	// the load finishes.
	sim.AwaitLoad(persistence.LoadAsync(ctx, db), eng.SetTick)

	eng.OnBatch = func(ctx context.Context, tick uint64) {
		sim.TickBatch(ctx, tick)
	}
	eng.OnTick = func(ctx context.Context, tick uint64) {
		sim.TickCheck(ctx, tick)
	}
	sim.OnSessionEnd = func(w victory.Winner) {
		slog.Info("victory ends the session", "faction", w.FactionID, "type", w.Type)
		eng.Stop()
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	adminKey := os.Getenv("DOMINION_ADMIN_KEY")
	if adminKey == "" {
		slog.Warn("DOMINION_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	relayKey := os.Getenv("DOMINION_RELAY_KEY")

	apiServer := &api.Server{
		Sim:        sim,
		Eng:        eng,
		DB:         db,
		Saver:      saver,
		Port:       cfg.API.Port,
		AdminKey:   adminKey,
		RelayKey:   relayKey,
		MaxStreams: cfg.API.StreamConns,
		ArchiveDir: cfg.Persistence.ArchiveDir,
	}
	httpServer := apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	fmt.Printf("\nDominion is live: %d factions contesting %d territories over %d trade routes.\n",
		roster.Len(), ledger.Count(), len(routes.AllRoutes()))
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	fmt.Println("Starting session... (Ctrl+C to stop)")

	eng.Run(ctx)

	// ── Shutdown ──────────────────────────────────────────────────────
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	saver.Close()

	tick := eng.Tick()
	slog.Info("final save...", "tick", humanize.Comma(int64(tick)))
	if _, err := db.SaveState(sim.FinalState(tick)); err != nil {
		slog.Error("final save failed", "error", err)
	}
	if cfg.Persistence.ArchiveDir != "" {
		path := filepath.Join(cfg.Persistence.ArchiveDir, persistence.ArchiveName(sim.SessionID(), tick))
		size, err := persistence.WriteArchive(path, sim.Archive(tick))
		if err != nil {
			slog.Error("archive write failed", "error", err)
		} else {
			slog.Info("archive written", "path", path, "size", humanize.Bytes(uint64(size)))
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Println("Session stopped. State saved.")
		return
	}
	fmt.Println("Session ended. State saved.")
}
