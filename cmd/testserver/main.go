// testserver starts a crucible API server with a stub substrate for E2E
// testing. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/emberhost/crucible/internal/api"
	"github.com/emberhost/crucible/internal/engine"
	"github.com/emberhost/crucible/internal/pool"
	"github.com/emberhost/crucible/internal/sandbox"
	"github.com/emberhost/crucible/internal/sched"
	"github.com/emberhost/crucible/internal/store"
	"github.com/emberhost/crucible/internal/substrate"
	"github.com/emberhost/crucible/internal/supervise"
	"github.com/emberhost/crucible/internal/telemetry"
	"github.com/emberhost/crucible/internal/workspace"
)

// stubSubstrate fakes isolation: every exec sleeps briefly, streams canned
// log lines and succeeds.
type stubSubstrate struct {
	delay    time.Duration
	output   []byte
	logLines []string
}

func (s *stubSubstrate) CreateUnit(_ context.Context, _ substrate.UnitSpec) error { return nil }
func (s *stubSubstrate) DestroyUnit(_ context.Context, _ string) error            { return nil }
func (s *stubSubstrate) ApplyPolicy(_ context.Context, _ string, _ substrate.Policy) error {
	return nil
}
func (s *stubSubstrate) RemovePolicy(_ context.Context, _ string) error { return nil }

func (s *stubSubstrate) Exec(ctx context.Context, _ string, spec substrate.ExecSpec) (substrate.ExecResult, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return substrate.ExecResult{}, ctx.Err()
	}

	if spec.LogWriter != nil {
		for _, line := range s.logLines {
			spec.LogWriter(line)
		}
	}

	return substrate.ExecResult{
		ExitCode: 0,
		Stdout:   s.output,
	}, nil
}

func (s *stubSubstrate) Capabilities() substrate.Capabilities {
	return substrate.Capabilities{
		Name:              "stub",
		SupportedRuntimes: []string{"python", "node", "go"},
		MaxUnits:          10,
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("CRUCIBLE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sub := &stubSubstrate{
		delay:    500 * time.Millisecond,
		output:   []byte("hello from stub"),
		logLines: []string{"[stub] starting execution", "[stub] running code", "[stub] done"},
	}

	registry := substrate.NewRegistry()
	registry.Register("stub", sub)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	p := pool.New(pool.Config{NodeID: "node-stub", MaxUnits: 10}, sub, nil, logger)
	defer p.Close(context.Background())

	scheduler := sched.New(sched.Config{
		Weights: sched.Weights{Warm: 4, Headroom: 2, Failure: 3, Affinity: 1},
		Timeout: 5 * time.Second,
	}, logger)
	scheduler.RegisterNode("node-stub", p)

	collector := telemetry.NewCollector(telemetry.NewStoreEmitter(db), 64, logger)
	defer collector.Close()

	eng := engine.New(
		db,
		scheduler,
		sandbox.NewBuilder(sub, logger),
		supervise.New(sub, logger),
		workspace.New("", logger),
		collector,
		logger,
	)
	defer eng.Wait()

	srv := api.NewServer(addr, db, eng, map[string]*pool.Pool{"node-stub": p}, registry, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
