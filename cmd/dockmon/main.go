package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	promversion "github.com/prometheus/common/version"

	"github.com/darthnorse/dockmon/internal/agent"
	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/maintenance"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/stack"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updater"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogDebug)
	promversion.Version = version

	fmt.Println("DockMon " + version)
	fmt.Println("=============================================")
	fmt.Printf("DOCKMON_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("DOCKMON_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("DOCKMON_POLL_INTERVAL=%s\n", cfg.PollInterval)
	fmt.Printf("DOCKMON_EVAL_INTERVAL=%s\n", cfg.EvalInterval)
	fmt.Printf("DOCKMON_UPDATE_CHECK_INTERVAL=%s\n", cfg.UpdateCheckInterval)
	fmt.Printf("DOCKMON_LOG_JSON=%t\n", cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}

	// The agent endpoint is TLS-only; issue the self-managed certificate
	// before the listener starts.
	rotated, err := maintenance.EnsureServerCert(cfg.DataDir, clk)
	if err != nil {
		log.Error("server certificate provisioning failed", "error", err)
		os.Exit(1)
	}
	if rotated {
		log.Info("issued server certificate", "dir", cfg.DataDir)
	}

	bus := events.New()
	recorder := events.NewRecorder(db, bus, log)
	pool := docker.NewPool(cfg.CertsDir, log)
	defer pool.Close()

	notifier := notify.NewMulti(log, notify.NewLogNotifier(log))

	// SendCommand and the executor reference each other; the closure
	// breaks the cycle.
	var mgr *agent.Manager
	agentExec := agent.NewExecutor(func(agentID string, msg agent.Message) bool {
		return mgr.SendCommand(agentID, msg)
	}, clk, log)
	mgr = agent.NewManager(db, agentExec, bus, clk, log)

	mon := monitor.New(db, pool, bus, clk, log, cfg.PollInterval)
	mgr.OnStats = recordAgentStats(mon, log)

	reg := registry.NewAdapter(db, log, clk, registry.TTLBuckets{
		Latest:   cfg.TTLLatest,
		Pinned:   cfg.TTLPinned,
		Floating: cfg.TTLFloating,
		Default:  cfg.TTLDefault,
	})

	dockerExec := updater.NewDockerExecutor(pool, db, clk, log)
	agentUpdExec := updater.NewAgentExecutor(db, agentExec, mgr, clk, log, imageLabels(reg))
	router := updater.NewRouter(db, mon, updater.PolicyValidator{}, dockerExec, agentUpdExec, bus, clk, log)
	checker := updater.NewChecker(db, mon, reg, pool, clk, log)

	engine := alerts.NewEngine(db, bus, notifier, clk, log, cfg.NotificationCooldown)
	evaluator := alerts.NewService(engine, db, mon, bus, clk, log, cfg.EvalInterval)

	deployer := stack.NewDeployer(db, agentExec, bus, clk, log)
	mgr.OnDeployProgress = deployer.HandleProgress

	upstream := maintenance.NewUpstreamChecker("", bus, clk, log)
	runner := maintenance.NewRunner(db, pool, mon, clk, log, cfg, upstream)
	if err := runner.Start(ctx); err != nil {
		log.Error("failed to start maintenance schedule", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()

	mux := http.NewServeMux()
	mux.Handle("/api/agent/ws", mgr)
	mux.Handle("/metrics", promhttp.Handler())

	certPath, keyPath := maintenance.ServerCertPaths(cfg.DataDir)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServeTLS(certPath, keyPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	go recorder.Run(ctx)
	go mon.Run(ctx)
	go runUpdateChecks(ctx, cfg.UpdateCheckInterval, checker, router, log)

	log.Info("dockmon started", "version", version)

	evaluator.Run(ctx)

	log.Info("dockmon shutdown complete")
}

// runUpdateChecks periodically refreshes update availability and launches
// auto-updates for containers that opted in.
func runUpdateChecks(ctx context.Context, interval time.Duration, checker *updater.Checker, router *updater.Router, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := checker.CheckAll(ctx); n > 0 {
				log.Info("update check complete", "available", n)
			}
			router.AutoUpdateAll(ctx)
		}
	}
}

// imageLabels bridges the registry adapter to the agent update executor's
// label lookup.
func imageLabels(reg *registry.Adapter) func(ctx context.Context, imageRef string) map[string]string {
	return func(ctx context.Context, imageRef string) map[string]string {
		resolved := reg.ResolveTag(ctx, imageRef, "linux/amd64", nil)
		if resolved == nil {
			return nil
		}
		return resolved.Labels
	}
}

// agentStats is the per-container stats frame agents push.
type agentStats struct {
	ContainerID   string  `json:"container_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
}

// recordAgentStats feeds agent stats frames into the discovery view under
// the container's composite key.
func recordAgentStats(mon *monitor.Monitor, log *logging.Logger) func(hostID string, payload json.RawMessage) {
	return func(hostID string, payload json.RawMessage) {
		var s agentStats
		if err := json.Unmarshal(payload, &s); err != nil || s.ContainerID == "" {
			log.Debug("bad agent stats frame", "host_id", hostID, "error", err)
			return
		}
		id := s.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		mon.RecordStats(store.CompositeKey(hostID, id), docker.StatsResult{
			CPUPercent:    s.CPUPercent,
			MemoryUsage:   s.MemoryUsage,
			MemoryLimit:   s.MemoryLimit,
			MemoryPercent: s.MemoryPercent,
			NetworkRx:     s.NetworkRx,
			NetworkTx:     s.NetworkTx,
		})
	}
}
