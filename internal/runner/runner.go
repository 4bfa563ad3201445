// Package runner wires the scheduler, dispatcher, and recovery manager into
// one supervised process: it is the concrete harness the original spec
// leaves to the embedder, shaped after the corpus's own long-running
// service entrypoints.
package runner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/cloacina/cloacina/internal/dispatcher"
	"github.com/cloacina/cloacina/internal/metrics"
	"github.com/cloacina/cloacina/internal/recovery"
	"github.com/cloacina/cloacina/internal/scheduler"
	"github.com/cloacina/cloacina/internal/store"
)

// RunnerConfig is the runner's own tunables, typically decoded from a YAML
// file by the CLI before construction.
type RunnerConfig struct {
	SchedulerID string        `yaml:"scheduler_id"`
	Permits     int           `yaml:"permits"`
	WorkerID    string        `yaml:"worker_id"`
	PollIdle    time.Duration `yaml:"poll_idle"`

	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	OrphanAfter      time.Duration `yaml:"orphan_after"`
	MaxRecovery      int           `yaml:"max_recovery"`

	ShutdownDrainDeadline time.Duration `yaml:"shutdown_drain_deadline"`

	DefaultExecutorKey string             `yaml:"default_executor_key"`
	Routes             []dispatcher.Route `yaml:"routes"`
}

// LoadRunnerConfig decodes a YAML document at path over DefaultRunnerConfig,
// so an operator's file only needs to set the fields it wants to override.
func LoadRunnerConfig(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return RunnerConfig{}, fmt.Errorf("runner: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RunnerConfig{}, fmt.Errorf("runner: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultRunnerConfig mirrors the defaults each component already applies
// on its own, with an identity derived from hostname:pid per §6.5.
func DefaultRunnerConfig() RunnerConfig {
	id := Identity()
	return RunnerConfig{
		SchedulerID:           id,
		Permits:               8,
		WorkerID:              id,
		PollIdle:              50 * time.Millisecond,
		RecoveryInterval:      30 * time.Second,
		OrphanAfter:           60 * time.Second,
		MaxRecovery:           3,
		ShutdownDrainDeadline: 30 * time.Second,
		DefaultExecutorKey:    "thread",
	}
}

// Identity returns the default scheduler/worker identity, hostname:pid.
func Identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// Runner owns the three long-running loops (scheduler, dispatcher,
// recovery) and the permit pool they share.
type Runner struct {
	cfg       RunnerConfig
	store     store.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	pool      *dispatcher.Pool
	scheduler *scheduler.Scheduler
	dispatch  *dispatcher.Dispatcher
	recover   *recovery.Manager
}

// New wires one scheduler loop, one dispatcher/outbox loop, and one
// recovery loop against a shared store. workflows and tasks are populated
// by the embedder (via pkg/cloacina.Register) before Run is called. The
// dispatcher gets a single ThreadExecutor, registered under
// cfg.DefaultExecutorKey.
func New(cfg RunnerConfig, st store.Store, workflows scheduler.Registry, tasks *dispatcher.TaskRegistry, log *zap.Logger) *Runner {
	pool := dispatcher.NewPool(cfg.Permits)
	mx := metrics.New(prometheus.NewRegistry())
	pool.SetMetrics(mx)

	exec := dispatcher.NewThreadExecutor(pool, st, dispatcher.Callbacks{})
	exec.SetMetrics(mx)

	router := dispatcher.NewRouter(cfg.DefaultExecutorKey, cfg.Routes...)
	disp := dispatcher.New(st, tasks, router, map[string]dispatcher.Executor{cfg.DefaultExecutorKey: exec}, dispatcher.Config{
		WorkerID: cfg.WorkerID,
		PollIdle: cfg.PollIdle,
	}, log.Named("dispatcher"))

	sched := scheduler.New(st, workflows, scheduler.Config{
		SchedulerID: cfg.SchedulerID,
		StaleAfter:  1 * time.Second,
		ClaimLimit:  50,
	}, log.Named("scheduler"))

	rec := recovery.New(st, recovery.Config{
		OrphanAfter: cfg.OrphanAfter,
		MaxRecovery: cfg.MaxRecovery,
		ScanLimit:   100,
	}, log.Named("recovery"))
	rec.SetMetrics(mx)

	return &Runner{
		cfg: cfg, store: st, log: log, metrics: mx,
		pool: pool, scheduler: sched, dispatch: disp, recover: rec,
	}
}

// Metrics returns the runner's metric collectors. The Prometheus registry
// they are registered with is created inside New and is not exposed.
func (r *Runner) Metrics() *metrics.Metrics { return r.metrics }

// Run blocks until ctx is cancelled, then drains the permit pool with
// ShutdownDrainDeadline before returning, per the graceful-shutdown
// requirement: stop claiming new outbox rows, let in-flight bodies finish.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.runSchedulerLoop(gctx)
	})
	g.Go(func() error {
		return r.dispatch.Run(gctx)
	})
	g.Go(func() error {
		return r.recover.Run(gctx, r.cfg.RecoveryInterval)
	})

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownDrainDeadline)
	defer cancel()
	if drainErr := r.pool.Drain(drainCtx); drainErr != nil {
		r.log.Warn("shutdown drain deadline exceeded, in-flight task bodies may be abandoned", zap.Error(drainErr))
	} else {
		r.log.Info("drained all dispatcher permits cleanly")
	}

	return err
}

// runSchedulerLoop polls RunOnce on a fixed cadence; the scheduler itself
// has no blocking Run method because its claim/tick cycle is cheap and
// idempotent to re-enter.
func (r *Runner) runSchedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.scheduler.RunOnce(ctx); err != nil {
				r.log.Warn("scheduler tick batch failed", zap.Error(err))
			}
		}
	}
}
