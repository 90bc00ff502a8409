// Package engine is the sync engine's façade: the external entry points a
// REST layer calls to start/stop the service and manage registered pairs,
// plus config loading and hot-reload.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirrorbot/repo-mirror/credentials"
	"github.com/mirrorbot/repo-mirror/internal/gitrunner"
	"github.com/mirrorbot/repo-mirror/internal/lock"
	"github.com/mirrorbot/repo-mirror/pool"
	"github.com/mirrorbot/repo-mirror/scheduler"
	"github.com/mirrorbot/repo-mirror/store"
	"github.com/mirrorbot/repo-mirror/syncop"
	"github.com/mirrorbot/repo-mirror/worker"
)

// Engine wires the scheduler, the execution pool and the sync worker
// together against a store.Store. Safe for concurrent use.
type Engine struct {
	store     store.Store
	pool      *pool.Pool
	scheduler *scheduler.Scheduler
	worker    *worker.Worker
	syncOp    *syncop.Op
	metrics   *Metrics
	log       *slog.Logger

	cfgMu lock.Mutex
	cfg   Config
}

// New builds an Engine from cfg and a store. Pass a nil registerer to skip
// metrics registration (e.g. in tests that construct multiple engines
// against the default prometheus registry).
func New(cfg Config, st store.Store, log *slog.Logger, registerer prometheus.Registerer) *Engine {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}

	var metrics *Metrics
	if registerer != nil {
		metrics = NewMetrics("git_mirror_engine", registerer)
	}
	registerConfigMetrics(registerer)

	runner := &gitrunner.Runner{Timeout: cfg.GitTimeout, Log: log}
	op := &syncop.Op{WorkRoot: cfg.WorkRoot, Runner: runner, Log: log}
	materializer := &credentials.Materializer{WorkRoot: cfg.WorkRoot, GithubAppTokenFunc: credentials.ExchangeGithubAppToken}

	w := &worker.Worker{
		Store:        st,
		Op:           op,
		Materializer: materializer,
		Policy: worker.Policy{
			RetryOnFailure: cfg.RetryOnFailure,
			RetryCount:     cfg.RetryCount,
		},
		DefaultSyncBranches: cfg.DefaultSyncBranches,
		Log:                 log,
	}
	if metrics != nil {
		w.Metrics = metrics
	}

	p := pool.New(cfg.MaxConcurrentSyncs, w.Run, log)
	s := scheduler.New(p, cfg.SchedulerTickInterval, log)

	return &Engine{
		store:     st,
		pool:      p,
		scheduler: s,
		worker:    w,
		syncOp:    op,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
	}
}

// NewFromConfigFile loads an engine config file and builds an Engine from it.
func NewFromConfigFile(path string, st store.Store, log *slog.Logger, registerer prometheus.Registerer) (*Engine, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load engine config: %w", err)
	}
	return New(*cfg, st, log, registerer), nil
}

// Start loads every registered pair from the store, registers each with a
// cleared last-check so all pairs are immediately due (including across a
// Stop/Start restart of the same engine), performs one immediate startup
// reconciliation, and starts the periodic scheduler loop.
func (e *Engine) Start(ctx context.Context) error {
	pairs, err := e.store.GetAllRepoPairs(ctx)
	if err != nil {
		return fmt.Errorf("load repo pairs: %w", err)
	}
	for _, p := range pairs {
		e.scheduler.SchedulePair(p.ID, p.SyncIntervalMins, p.Enabled)
	}

	e.scheduler.Reconcile(ctx)
	e.scheduler.Start(ctx)
	e.log.Info("engine started", "pairs", len(pairs))
	return nil
}

// Stop halts the scheduler loop. In-flight workers are not interrupted;
// call Abort for each of ActiveIDs first if a hard stop is required.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.log.Info("engine stopped")
}

// IsRunning reports whether the scheduler loop is active.
func (e *Engine) IsRunning() bool {
	return e.scheduler.IsRunning()
}

// SchedulePair registers pairID for periodic syncing, fetching its current
// snapshot from the store to determine interval and enabled state.
func (e *Engine) SchedulePair(ctx context.Context, pairID string) error {
	p, err := e.store.GetRepoPair(ctx, pairID)
	if err != nil {
		return fmt.Errorf("schedule pair %s: %w", pairID, err)
	}
	e.scheduler.SchedulePair(p.ID, p.SyncIntervalMins, p.Enabled)
	return nil
}

// UnschedulePair removes pairID from scheduling.
func (e *Engine) UnschedulePair(pairID string) {
	e.scheduler.UnschedulePair(pairID)
}

// ReschedulePair re-reads pairID from the store and updates its schedule,
// preserving last_check.
func (e *Engine) ReschedulePair(ctx context.Context, pairID string) error {
	p, err := e.store.GetRepoPair(ctx, pairID)
	if err != nil {
		return fmt.Errorf("reschedule pair %s: %w", pairID, err)
	}
	e.scheduler.ReschedulePair(p.ID, p.SyncIntervalMins, p.Enabled)
	return nil
}

// SyncNow submits pairID for immediate execution, bypassing the schedule.
// It is a no-op if pairID is already syncing.
func (e *Engine) SyncNow(ctx context.Context, pairID string) {
	e.pool.Submit(ctx, pairID)
}

// Abort signals the in-flight sync for pairID, if any, to stop. It reports
// whether a sync was in progress when the abort was issued.
func (e *Engine) Abort(pairID string) bool {
	return e.pool.Abort(pairID)
}

// ActiveIDs returns the pair-ids currently syncing.
func (e *Engine) ActiveIDs() []string {
	ids := e.pool.ActiveIDs()
	e.metrics.setActiveSyncs(len(ids))
	return ids
}

// UpdateConfig applies a new Config's pool capacity, retry policy and
// scheduler tick interval live, without restarting the engine. In-flight
// syncs are never interrupted by a config change.
func (e *Engine) UpdateConfig(cfg Config) {
	cfg.ApplyDefaults()

	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.pool.Resize(cfg.MaxConcurrentSyncs)
	e.scheduler.SetTickInterval(cfg.SchedulerTickInterval)
	e.worker.SetPolicy(worker.Policy{
		RetryOnFailure: cfg.RetryOnFailure,
		RetryCount:     cfg.RetryCount,
	})
	e.worker.SetDefaultSyncBranches(cfg.DefaultSyncBranches)
	e.log.Info("engine config updated",
		"max_concurrent_syncs", cfg.MaxConcurrentSyncs,
		"retry_on_failure", cfg.RetryOnFailure,
		"retry_count", cfg.RetryCount,
		"scheduler_tick_interval", cfg.SchedulerTickInterval,
	)
}

// CurrentConfig returns the engine's currently applied configuration.
func (e *Engine) CurrentConfig() Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg
}

// WatchConfigFile polls path for changes and applies them via UpdateConfig,
// for the lifetime of ctx. Intended to be run in its own goroutine.
func (e *Engine) WatchConfigFile(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	WatchConfig(ctx, path, interval, e.log, func(cfg *Config) bool {
		e.UpdateConfig(*cfg)
		return true
	})
}
