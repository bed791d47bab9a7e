// simnode hosts the agent sync core for one run. It runs in three modes:
// -router serves the star-topology relay the ws ranks join; -rank joins a
// router as one distributed rank; the default local mode spins every rank
// up in-process over the channel fabric, which is the usual shape for
// batch parameter sweeps on one machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"parsim.dev/internal/codec"
	"parsim.dev/internal/config"
	"parsim.dev/internal/persistence/checkpoint"
	"parsim.dev/internal/protocol"
	"parsim.dev/internal/sim/lockstep"
	"parsim.dev/internal/sim/registry"
	"parsim.dev/internal/transport"
	"parsim.dev/internal/transport/mem"
	"parsim.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to run config yaml (optional)")
		runID      = flag.String("run", "", "run id (default: run name + random suffix)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		ticks      = flag.Int("ticks", 0, "stop after this many sync ticks (0 = run until signal)")

		routerMode = flag.Bool("router", false, "serve the ws relay instead of simulating")
		addr       = flag.String("addr", ":9021", "router listen address (with -router)")

		rank      = flag.Int("rank", -1, "this process's rank (ws transport; -1 = local mode)")
		agentsPer = flag.Int("agents", 4, "demo vehicles registered per rank")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[simnode] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	id := *runID
	if id == "" {
		id = fmt.Sprintf("%s-%s", cfg.RunName, uuid.NewString()[:8])
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *routerMode {
		runRouter(ctx, *addr, cfg.Transport.Ranks, logger)
		return
	}

	syncCfg := lockstep.Config{
		TickIntervalHint: cfg.TickIntervalHint(),
		ZoneCellSize:     cfg.Sync.ZoneCellSize,
		ProximityRadius:  cfg.Sync.ProximityRadius,
		BarrierTimeout:   cfg.BarrierTimeout(),
		QueueCapacity:    cfg.Sync.QueueCapacity,
	}

	if *rank >= 0 {
		if cfg.Transport.Kind != "ws" {
			logger.Fatalf("-rank requires transport.kind ws (got %q)", cfg.Transport.Kind)
		}
		cl, err := ws.Dial(cfg.Transport.RouterURL, protocol.RankID(*rank), cfg.Transport.Ranks, logger)
		if err != nil {
			logger.Fatalf("join router %s: %v", cfg.Transport.RouterURL, err)
		}
		defer cl.Close()
		if err := runRank(ctx, cl, syncCfg, cfg, id, *dataDir, *ticks, *agentsPer, logger); err != nil {
			logger.Fatalf("rank %d: %v", *rank, err)
		}
		return
	}

	// Local mode: every rank in-process over the channel fabric.
	fabric := mem.NewFabric(cfg.Transport.Ranks, cfg.Sync.QueueCapacity)
	defer fabric.Close()

	var wg sync.WaitGroup
	errs := make([]error, cfg.Transport.Ranks)
	for r := 0; r < cfg.Transport.Ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ep := fabric.Endpoint(protocol.RankID(r))
			errs[r] = runRank(ctx, ep, syncCfg, cfg, id, *dataDir, *ticks, *agentsPer, logger)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			logger.Fatalf("rank %d: %v", r, err)
		}
	}
	logger.Printf("run %s complete", id)
}

func runRouter(ctx context.Context, addr string, ranks int, logger *log.Logger) {
	rt := ws.NewRouter(ranks, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync", rt.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	logger.Printf("router for %d ranks listening on %s", ranks, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// runRank drives one rank: restore from the newest checkpoint if one
// exists, otherwise seed demo vehicles, then loop physics + sync until the
// requested tick count or a shutdown signal.
func runRank(ctx context.Context, tr transport.Transport, syncCfg lockstep.Config, cfg config.Config, runID, dataDir string, ticks, agentsPer int, logger *log.Logger) error {
	cdc, err := codec.New()
	if err != nil {
		return err
	}
	defer cdc.Close()

	mgr, err := lockstep.New(syncCfg, tr, cdc, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	rank := tr.ThisRank()

	ckptDir := cfg.Checkpoint.Dir
	if ckptDir == "" {
		ckptDir = dataDir + "/checkpoints"
	}
	ckpt, err := checkpoint.Open(ckptDir, runID, rank)
	if err != nil {
		return err
	}
	defer ckpt.Close()

	if path, tick, ok, err := ckpt.Latest(); err != nil {
		return err
	} else if ok {
		auth, ghosts, err := checkpoint.Load(path)
		if err != nil {
			return err
		}
		if err := checkpoint.Restore(mgr.Registry(), auth, ghosts); err != nil {
			return err
		}
		logger.Printf("rank %d: resumed %d agents and %d ghosts from tick %d", rank, len(auth), len(ghosts), tick)
	} else {
		seedVehicles(mgr.Registry(), rank, agentsPer, syncCfg.ZoneCellSize)
	}

	go func() {
		<-ctx.Done()
		mgr.RequestShutdown()
	}()

	if err := mgr.Start(); err != nil {
		return err
	}
	for ticks <= 0 || mgr.SyncTick() < uint64(ticks) {
		stepVehicles(mgr.Registry(), syncCfg.TickIntervalHint)
		if err := mgr.Step(); err != nil {
			if err == lockstep.ErrStopped {
				break
			}
			return err
		}
		if mgr.SyncTick()%uint64(cfg.Checkpoint.EveryTicks) == 0 {
			if _, err := ckpt.Write(mgr.SyncTick(), mgr.Registry().Snapshot(), mgr.Registry().GhostSnapshot()); err != nil {
				logger.Printf("rank %d: checkpoint at tick %d: %v", rank, mgr.SyncTick(), err)
			}
		}
		if syncCfg.TickIntervalHint > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(syncCfg.TickIntervalHint):
			}
		}
	}

	if _, err := ckpt.Write(mgr.SyncTick(), mgr.Registry().Snapshot(), mgr.Registry().GhostSnapshot()); err != nil {
		logger.Printf("rank %d: final checkpoint: %v", rank, err)
	}
	logger.Printf("rank %d: stopped at tick %d with %d agents", rank, mgr.SyncTick(), mgr.Registry().Len())
	return nil
}

// seedVehicles places demo vehicles on a ring around this rank's home
// cell, offset per rank so neighbors overlap at cell boundaries.
func seedVehicles(reg *registry.Registry, rank protocol.RankID, n int, cellSize float64) {
	for i := 0; i < n; i++ {
		id := registry.AgentID(fmt.Sprintf("veh-r%d-%d", rank, i))
		ang := 2 * math.Pi * float64(i) / float64(n)
		st := protocol.AgentState{
			Kind: protocol.KindVehicle,
			Pos: protocol.Vec3{
				X: float64(rank)*cellSize + 0.5*cellSize*math.Cos(ang),
				Z: 0.5 * cellSize * math.Sin(ang),
			},
			Yaw:     ang,
			Vehicle: &protocol.VehicleState{SpeedMps: 5, Throttle: 0.4},
		}
		// Seeding cannot fail: ids are unique per rank and states finite.
		if err := reg.Register(id, st); err != nil {
			panic(err)
		}
	}
}

// stepVehicles is the demo physics: constant-speed heading hold with a
// slow turn, enough to exercise zone churn across ranks.
func stepVehicles(reg *registry.Registry, hint time.Duration) {
	dt := hint.Seconds()
	if dt <= 0 {
		dt = 0.1
	}
	for _, e := range reg.Snapshot() {
		st := e.State
		st.Yaw += 0.02
		st.Vel = protocol.Vec3{
			X: st.Vehicle.SpeedMps * math.Cos(st.Yaw),
			Z: st.Vehicle.SpeedMps * math.Sin(st.Yaw),
		}
		st.Pos = st.Pos.Add(protocol.Vec3{X: st.Vel.X * dt, Y: 0, Z: st.Vel.Z * dt})
		_ = reg.Update(e.ID, st)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
