// Command cogkerneld runs the cognitive orchestration kernel: it loads
// configuration, wires the six core components (Clock, StateBus,
// BudgetManager, NodeRegistry, TriggerEvaluator, Scheduler), registers the
// built-in cognitive nodes, reconciles any execution left open by a prior
// crash, and serves the admin API until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenhearth/cogkernel/emit"
	"github.com/lumenhearth/cogkernel/internal/adminapi"
	"github.com/lumenhearth/cogkernel/internal/budget"
	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/config"
	"github.com/lumenhearth/cogkernel/internal/executor"
	"github.com/lumenhearth/cogkernel/internal/kernelerrors"
	"github.com/lumenhearth/cogkernel/internal/registry"
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/statebus"
	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/trigger"
	"github.com/lumenhearth/cogkernel/internal/types"
	"github.com/lumenhearth/cogkernel/kernelmetrics"
)

func main() {
	configPath := flag.String("config", envOr("COGKERNEL_CONFIG", "./cogkernel.yaml"), "path to cogkernel.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("cogkerneld: %v", err)
		os.Exit(kernelerrors.KindConfig.ExitCode())
	}

	os.Exit(run(cfg))
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// run wires and runs the daemon, returning the process exit code rather
// than calling os.Exit directly so defers (store close, emitter flush) run
// first.
func run(cfg *config.Config) int {
	logEmitter := emit.NewLogEmitter(os.Stdout, cfg.Observability.LogFormat == "json")
	buffered := emit.NewBufferedEmitter(1024)
	emitter := emit.Fanout{logEmitter, buffered}

	metricsRegistry := prometheus.NewRegistry()
	metrics := kernelmetrics.New(metricsRegistry)

	clk := clock.NewSystemClock(nil, cfg.PhaseSchedule())

	st, err := openStore(cfg.Storage)
	if err != nil {
		log.Printf("cogkerneld: %v", err)
		return kernelerrors.KindPersistence.ExitCode()
	}
	defer st.Close()

	bus := statebus.New(nil, st, emitter, metrics, nil, cfg.NarrativeBound)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Restore(ctx); err != nil {
		log.Printf("cogkerneld: state restore: %v", err)
	}

	bm := budget.New(cfg.BudgetConfig(), clk.DayEpoch(clk.Now()), st, emitter, metrics)
	if err := bm.Restore(ctx); err != nil {
		log.Printf("cogkerneld: budget restore: %v", err)
	}
	reg := registry.New(st)
	adapters := builtinAdapters(clk)
	registerBuiltinNodes(reg, adapters)
	if err := reg.RestoreOverrides(ctx); err != nil {
		log.Printf("cogkerneld: registry restore: %v", err)
	}

	eval := trigger.New(reg, clk, bus, st, emitter)
	if err := eval.Compile(); err != nil {
		log.Printf("cogkerneld: compile triggers: %v", err)
		return kernelerrors.KindConfig.ExitCode()
	}
	sched := scheduler.New(cfg.SchedulerConfig(), reg, eval, bus, bm, st, clk, emitter, metrics)
	registerBuiltinExecutors(sched, adapters)

	if err := sched.Reconcile(ctx); err != nil {
		log.Printf("cogkerneld: reconcile: %v", err)
		return kernelerrors.KindInvariantViolation.ExitCode()
	}

	stopDecay := bus.StartDecay(ctx, cfg.DecayTickInterval(), clk)
	defer stopDecay()

	var adminSrv *http.Server
	if cfg.AdminAPI.Enabled {
		api := &adminapi.Server{Bus: bus, Reg: reg, BM: bm, Sched: sched, Store: st}
		api.Shutdown = func(shutdownCtx context.Context) error {
			cancel()
			return nil
		}
		adminSrv = &http.Server{Addr: cfg.AdminAPI.ListenAddr, Handler: api.Router()}
		go func() {
			log.Printf("cogkerneld: admin api listening on %s", cfg.AdminAPI.ListenAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("cogkerneld: admin api error: %v", err)
			}
		}()
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("cogkerneld: metrics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	schedErrCh := make(chan error, 1)
	go func() { schedErrCh <- sched.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Printf("cogkerneld: received %s, shutting down", sig)
		cancel()
	case <-ctx.Done():
	case err := <-schedErrCh:
		if err != nil {
			log.Printf("cogkerneld: scheduler exited: %v", err)
		}
	}

	return shutdown(st, bus, emitter, adminSrv, metricsSrv)
}

func shutdown(st store.Store, bus *statebus.Bus, emitter emit.Emitter, servers ...*http.Server) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("cogkerneld: server shutdown: %v", err)
		}
	}

	if err := bus.Snapshot(shutdownCtx); err != nil {
		log.Printf("cogkerneld: final state snapshot: %v", err)
		return kernelerrors.KindPersistence.ExitCode()
	}
	if err := emitter.Flush(shutdownCtx); err != nil {
		log.Printf("cogkerneld: emitter flush: %v", err)
	}
	return 0
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore(), nil
	default:
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store at %q: %w", cfg.DBPath, err)
		}
		return st, nil
	}
}

// builtinAdapter is satisfied by every shipped node executor.
type builtinAdapter interface {
	scheduler.Executor
	Node() types.CognitiveNode
}

// builtinAdapters returns the six shipped cognitive nodes. LLM- and
// tool-backed adapters are wired against unconfiguredLLM/unconfiguredTool
// here; an operator with a real provider builds their own main using this
// one as a template and substitutes a configured LLMClient/ToolHandler.
func builtinAdapters(clk clock.Clock) []builtinAdapter {
	llm := unconfiguredLLM{}
	tool := unconfiguredTool{name: "github_metrics"}
	return []builtinAdapter{
		executor.NewPhaseCheck(clk),
		executor.NewGithubMetrics(tool),
		executor.NewWikiPage(llm, nil),
		executor.NewSummarizeConversation(llm),
		executor.NewNightly(llm),
		executor.NewReflection(llm),
	}
}

// registerBuiltinNodes registers every shipped cognitive node's
// registration spec with the registry. Admin-overlay state (enabled,
// priority, suspension) is applied afterward by RestoreOverrides.
func registerBuiltinNodes(reg *registry.Registry, adapters []builtinAdapter) {
	for _, a := range adapters {
		node := a.Node()
		if err := reg.Register(node); err != nil {
			log.Printf("cogkerneld: register %s: %v", node.ID, err)
		}
	}
}

// registerBuiltinExecutors registers every shipped node's executor
// implementation with the scheduler under its Node().Executor key.
func registerBuiltinExecutors(sched *scheduler.Scheduler, adapters []builtinAdapter) {
	for _, a := range adapters {
		sched.RegisterExecutor(a.Node().Executor, a)
	}
}

// unconfiguredLLM reports an error so session-cost nodes fail loudly
// rather than silently spending budget on fabricated output when no
// provider has been wired in.
type unconfiguredLLM struct{}

func (unconfiguredLLM) Chat(_ context.Context, _ []executor.Message, _ []executor.ToolSpec) (executor.ChatOut, error) {
	return executor.ChatOut{}, kernelerrors.New(kernelerrors.KindConfig, "no LLMClient configured")
}

type unconfiguredTool struct{ name string }

func (t unconfiguredTool) Name() string { return t.name }

func (t unconfiguredTool) Call(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	return nil, kernelerrors.New(kernelerrors.KindConfig, "no ToolHandler configured for "+t.name)
}
