// Command crucible is the execution daemon: it owns the unit pool, the
// scheduler and the HTTP API for one node.
package main

import (
	"context"
	"log"
	"os"

	"github.com/emberhost/crucible/internal/api"
	"github.com/emberhost/crucible/internal/config"
	"github.com/emberhost/crucible/internal/engine"
	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/pool"
	"github.com/emberhost/crucible/internal/sandbox"
	"github.com/emberhost/crucible/internal/sched"
	"github.com/emberhost/crucible/internal/store"
	"github.com/emberhost/crucible/internal/substrate"
	fc "github.com/emberhost/crucible/internal/substrate/firecracker"
	"github.com/emberhost/crucible/internal/substrate/procbox"
	"github.com/emberhost/crucible/internal/supervise"
	"github.com/emberhost/crucible/internal/telemetry"
	"github.com/emberhost/crucible/internal/workspace"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"node_id", cfg.NodeID,
		"substrate", cfg.Substrate,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := substrate.NewRegistry()

	pb, err := procbox.New("", cfg.MaxUnits, logger)
	if err != nil {
		log.Fatalf("procbox substrate: %v", err)
	}
	registry.Register("procbox", pb)

	fcCfg := fc.LoadConfig()
	if fcCfg.KernelPath != "" {
		fcSub, err := fc.New(fcCfg, logger)
		if err != nil {
			log.Fatalf("firecracker substrate: %v", err)
		}
		registry.Register("firecracker", fcSub)
	}

	sub, err := registry.Resolve(cfg.Substrate)
	if err != nil {
		log.Fatalf("select substrate: %v", err)
	}

	// Background loops stop when the server returns and ctx is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	predictor := pool.NewPredictor(cfg.PrewarmAlpha, cfg.PrewarmSafety)
	p := pool.New(pool.Config{
		NodeID:   cfg.NodeID,
		MaxUnits: cfg.MaxUnits,
		MaxAge:   cfg.UnitMaxAge,
		MaxIdle:  cfg.UnitMaxIdle,
	}, sub, predictor, logger)
	defer p.Close(context.Background())

	go p.RunReaper(ctx)
	go p.RunPrewarm(ctx, cfg.PrewarmInterval, logger)

	scheduler := sched.New(sched.Config{
		Weights: sched.Weights{
			Warm:     cfg.WeightWarm,
			Headroom: cfg.WeightHeadroom,
			Failure:  cfg.WeightFailure,
			Affinity: cfg.WeightAffinity,
		},
		Timeout:      cfg.SchedTimeout,
		RetryBackoff: cfg.SchedBackoff,
	}, logger)
	scheduler.RegisterNode(cfg.NodeID, p)

	// Probe with whatever the substrate can run; the probe only needs a unit
	// it can acquire and release.
	probeRuntime := model.RuntimePython
	if caps := sub.Capabilities(); len(caps.SupportedRuntimes) > 0 {
		probeRuntime = caps.SupportedRuntimes[0]
	}
	go scheduler.RunHealthProbes(ctx, cfg.HealthProbeInterval, probeRuntime)

	collector := telemetry.NewCollector(telemetry.NewStoreEmitter(db), cfg.TelemetryBuffer, logger)
	defer collector.Close()

	eng := engine.New(
		db,
		scheduler,
		sandbox.NewBuilder(sub, logger),
		supervise.New(sub, logger),
		workspace.New(cfg.WorkspaceURL, logger),
		collector,
		logger,
	)
	defer eng.Wait()

	srv := api.NewServer(cfg.ListenAddr, db, eng,
		map[string]*pool.Pool{cfg.NodeID: p},
		registry,
		logger,
	)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
