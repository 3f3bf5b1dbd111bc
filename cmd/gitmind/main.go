// Command gitmind runs the orchestration runtime: the message bus, task
// scheduler, agent manager, collaboration orchestrator, and hot-swap
// manager, wired together in the order buildRuntime constructs them
// (cache and circuit-breaker registry, then health monitor, then bus, then
// scheduler, then agent manager with its retry executor, then
// collaboration orchestrator, then hot-swap manager). Grounded on the teacher's root main.go cobra
// wiring (rootCmd/debugCmd/versionCmd, config.LoadConfig, log.Initialize),
// adapted from launching a tmux-backed session UI to starting this
// runtime's dispatch/health/janitor loops.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gitmind-dev/gitmind/bus"
	"github.com/gitmind-dev/gitmind/cmdagent"
	"github.com/gitmind-dev/gitmind/collab"
	"github.com/gitmind-dev/gitmind/config"
	"github.com/gitmind-dev/gitmind/health"
	"github.com/gitmind-dev/gitmind/hotswap"
	"github.com/gitmind-dev/gitmind/manager"
	"github.com/gitmind-dev/gitmind/retry"
	"github.com/gitmind-dev/gitmind/rtlog"
	"github.com/gitmind-dev/gitmind/scheduler"
	"github.com/gitmind-dev/gitmind/suggestioncache"
)

var (
	version     = "0.1.0"
	metricsAddr string
)

// runtime bundles every constructed component so commands other than
// "serve" (debug, version) can be added later without re-deriving the
// wiring order.
type runtime struct {
	cfg     *config.Config
	msgs    *bus.Bus
	cache   *suggestioncache.Cache
	breaker *retry.Registry
	monitor *health.Monitor
	sched   *scheduler.Scheduler
	agents  *manager.Manager
	collabs *collab.Orchestrator
	swap    *hotswap.Manager
}

// buildRuntime wires every component in the order the spec's components
// depend on each other: retry/cache have no dependencies, the bus depends
// on nothing else, the scheduler depends on retry (for its janitor
// backoff), the manager depends on the scheduler and bus, the
// collaboration orchestrator depends on a Collaborator registry, and the
// hot-swap manager depends on the agent manager and a Creator.
func buildRuntime(cfg *config.Config) *runtime {
	cache := suggestioncache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)

	breakers := retry.NewRegistry(5, 30*time.Second, 2)

	monitor := health.NewMonitor(health.Config{
		CheckInterval:       cfg.Health.CheckInterval,
		MaxConcurrentChecks: cfg.Health.MaxConcurrentChecks,
		AlertThrottle:       cfg.Health.AlertThrottle,
		EnableAutoRecovery:  cfg.Health.EnableAutoRecovery,
		MaxFailures:         cfg.Health.MaxFailures,
		RecoveryInterval:    cfg.Health.RecoveryInterval,
	})
	if cfg.Health.WebhookURL != "" {
		sink, err := health.NewWebhookSink(cfg.Health.WebhookURL)
		if err != nil && rtlog.ErrorLog != nil {
			rtlog.ErrorLog.Printf("gitmind: invalid health webhook URL, alerts stay log-only: %v", err)
		} else if err == nil {
			monitor.RegisterSink(sink)
		}
	}

	msgs := bus.New(cfg.Bus.DefaultInboxBuffer)
	busMetrics := bus.NewMetrics()
	msgs.SetMetrics(busMetrics)
	busMetrics.MustRegister(prometheus.DefaultRegisterer)

	sched := scheduler.New(scheduler.Config{
		MaxQueueSize:               cfg.Scheduler.MaxQueueSize,
		MaxConcurrentTasksPerAgent: cfg.Scheduler.MaxConcurrentTasksPerAgent,
		JanitorBaseInterval:        cfg.Scheduler.JanitorBaseInterval,
		JanitorMaxInterval:         cfg.Scheduler.JanitorMaxInterval,
		SnapshotPath:               cfg.Scheduler.SnapshotPath,
	}, scheduler.NewLeastLoadedPolicy())

	agents := manager.New(manager.Config{
		MaxAgents:               cfg.Manager.MaxAgents,
		AgentStartupTimeout:     cfg.Manager.AgentStartupTimeout,
		GracefulShutdownTimeout: cfg.Manager.GracefulShutdownTimeout,
	}, sched, msgs)
	managerMetrics := manager.NewMetrics()
	agents.SetMetrics(managerMetrics)
	managerMetrics.MustRegister(prometheus.DefaultRegisterer)
	agents.SetExecutor(retry.NewExecutor(retry.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialDelay:      cfg.Retry.InitialDelay,
		Multiplier:        cfg.Retry.Multiplier,
		MaxDelay:          cfg.Retry.MaxDelay,
		Jitter:            jitterFactor(cfg.Retry.Jitter),
		PerAttemptTimeout: cfg.Retry.PerAttemptTimeout,
		TotalTimeout:      cfg.Retry.TotalTimeout,
	}, breakers))

	collabRegistry := collab.MapRegistry{}
	orchestrator := collab.New(collab.Config{
		MaxConcurrentSessions: cfg.Collab.MaxConcurrentSessions,
		MaxQueuedSessions:     cfg.Collab.MaxQueuedSessions,
	}, collabRegistry)

	swap := hotswap.New(hotswap.Config{
		MaxConcurrentOperations: cfg.Hotswap.MaxConcurrentOperations,
		InitializationTimeout:   cfg.Hotswap.InitializationTimeout,
		GracefulShutdownTimeout: cfg.Hotswap.GracefulShutdownTimeout,
		MaxQueueSize:            cfg.Hotswap.MaxQueueSize,
	}, agents, cmdagent.NewCreator())

	return &runtime{
		cfg:     cfg,
		msgs:    msgs,
		cache:   cache,
		breaker: breakers,
		monitor: monitor,
		sched:   sched,
		agents:  agents,
		collabs: orchestrator,
		swap:    swap,
	}
}

// run starts every background loop (janitor, health monitor, dispatch
// loop) and blocks until ctx is cancelled, then shuts everything down in
// reverse dependency order.
func (r *runtime) run(ctx context.Context) error {
	backoffStrategy := &retry.ExponentialBackoff{
		BaseDelay:  r.cfg.Scheduler.JanitorBaseInterval,
		MaxDelay:   r.cfg.Scheduler.JanitorMaxInterval,
		Multiplier: 2.0,
	}
	r.sched.RunJanitor(backoffStrategy)
	defer r.sched.StopJanitor()

	r.monitor.Start(ctx)

	go r.agents.RunDispatchLoop(ctx, 50*time.Millisecond)

	if r.cfg.Health.CheckInterval > 0 {
		go func() {
			ticker := time.NewTicker(r.cfg.Health.CheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.agents.HealthSweep(ctx)
				}
			}
		}()
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Manager.GracefulShutdownTimeout)
	defer cancel()
	return r.agents.Shutdown(shutdownCtx)
}

// jitterFactor maps the config's on/off Jitter flag to the randomization
// factor retry.Config expects: 0.5, which scales each delay by a uniform
// factor between 0.5 and 1.5.
func jitterFactor(enabled bool) float64 {
	if enabled {
		return 0.5
	}
	return 0
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("gitmind: serving /metrics on %s", addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && rtlog.ErrorLog != nil {
		rtlog.ErrorLog.Printf("gitmind: metrics server stopped: %v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitmind",
	Short: "gitmind runs the multi-agent orchestration runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		rtlog.Initialize(false)
		defer rtlog.Close()

		cfg := config.Load()
		rt := buildRuntime(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return rt.run(ctx)
	},
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Print the resolved configuration path and contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		configDir, err := config.GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to get config directory: %w", err)
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Config: %s/%s\n%s\n", configDir, config.ConfigFileName, out)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gitmind version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitmind version %s\n", version)
	},
}

func init() {
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090); empty disables it")
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
