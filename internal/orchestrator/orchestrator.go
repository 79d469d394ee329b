package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kpiwatch/internal/dispatch"
	"kpiwatch/internal/engine"
	"kpiwatch/internal/indicator"
	"kpiwatch/internal/schedule"
	"kpiwatch/internal/storage"
)

type Store interface {
	LoadActiveIndicators(ctx context.Context) ([]indicator.Indicator, error)
	SaveLastRun(ctx context.Context, id uuid.UUID, ts time.Time, consumedOneTime bool) error
	SaveExecution(ctx context.Context, rec storage.ExecutionRecord) error
	SaveHeartbeat(ctx context.Context, hb storage.Heartbeat) error
	PurgeAlertsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeExecutionsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type Executor interface {
	Execute(ctx context.Context, ind indicator.Indicator, now time.Time) engine.Outcome
}

type Alerter interface {
	Dispatch(ctx context.Context, ind indicator.Indicator, outcome engine.Outcome, now time.Time) (dispatch.Result, error)
}

type Config struct {
	TickInterval     time.Duration
	MaxParallel      int
	BatchSize        int
	AlertRetention   time.Duration
	HistoryRetention time.Duration
	PurgeBatchSize   int
	ShutdownGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PurgeBatchSize <= 0 {
		c.PurgeBatchSize = 500
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Status is a snapshot of the loop for the admin surface.
type Status struct {
	LastTick   time.Time `json:"lastTick"`
	Processed  int64     `json:"processed"`
	AlertsSent int64     `json:"alertsSent"`
	InFlight   int       `json:"inFlight"`
}

// Orchestrator is the top-level worker loop: each tick it discovers due
// indicators, runs them through the engine and dispatcher on a globally
// bounded pool, persists last-run bookkeeping, and does retention cleanup.
type Orchestrator struct {
	cfg     Config
	store   Store
	exec    Executor
	alerter Alerter
	log     *slog.Logger

	sem  chan struct{}
	kick chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	lastTick time.Time

	processed  atomic.Int64
	alertsSent atomic.Int64
}

func New(cfg Config, store Store, exec Executor, alerter Alerter, log *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		alerter:  alerter,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxParallel),
		kick:     make(chan struct{}, 1),
		inflight: map[uuid.UUID]struct{}{},
	}
}

// Kick requests an immediate tick, used when a management event signals that
// the indicator set changed.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled, then waits for in-flight
// pipelines to finish, up to the configured grace period.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	o.Tick(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return o.drain()
		case <-ticker.C:
			o.Tick(ctx, time.Now().UTC())
		case <-o.kick:
			o.Tick(ctx, time.Now().UTC())
		}
	}
}

func (o *Orchestrator) drain() error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("orchestrator drained")
		return nil
	case <-time.After(o.cfg.ShutdownGrace):
		return errors.New("shutdown grace period elapsed with executions still in flight")
	}
}

// Tick runs one discovery pass. Exported for the admin surface and tests;
// Run calls it on the configured cadence.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	indicators, err := o.store.LoadActiveIndicators(ctx)
	if err != nil {
		o.log.Error("load indicators failed", slog.String("error", err.Error()))
		return
	}
	due := make([]indicator.Indicator, 0, len(indicators))
	for _, ind := range indicators {
		if ind.Schedule.IsDue(now, ind.LastRun) && !o.claimed(ind.ID) {
			due = append(due, ind)
		}
	}
	// oldest last-run first, never-run before everything
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].LastRun, due[j].LastRun
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})
	if len(due) > o.cfg.BatchSize {
		due = due[:o.cfg.BatchSize]
	}
	for _, ind := range due {
		// the semaphore is global: work still draining from previous
		// ticks throttles how many new pipelines start
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			o.finishTick(ctx, now)
			return
		}
		o.claim(ind.ID)
		o.wg.Add(1)
		go o.pipeline(ctx, ind, now)
	}
	o.finishTick(ctx, now)
}

func (o *Orchestrator) finishTick(ctx context.Context, now time.Time) {
	o.housekeeping(ctx, now)
	o.mu.Lock()
	o.lastTick = now
	o.mu.Unlock()
	hb := storage.Heartbeat{TickAt: now, Processed: o.processed.Load(), AlertsSent: o.alertsSent.Load()}
	if err := o.store.SaveHeartbeat(ctx, hb); err != nil {
		o.log.Error("heartbeat write failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, ind indicator.Indicator, now time.Time) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("indicator pipeline panic",
				slog.String("indicator", ind.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		o.release(ind.ID)
		<-o.sem
	}()
	if ctx.Err() != nil {
		return
	}
	// cancellation flows into the engine and dispatcher so their
	// suspension points can observe shutdown; the engine detaches its own
	// probe context so a probe that has started still finishes
	outcome := o.exec.Execute(ctx, ind, now)
	alerted := false
	if outcome.ShouldAlert {
		res, err := o.alerter.Dispatch(ctx, ind, outcome, now)
		switch {
		case err != nil:
			o.log.Error("alert dispatch failed", slog.String("indicator", ind.Name), slog.String("error", err.Error()))
		case res.Suppressed:
			o.log.Info("alert suppressed by cooldown", slog.String("indicator", ind.Name))
		default:
			alerted = true
			o.alertsSent.Add(1)
			o.log.Info("alert dispatched",
				slog.String("indicator", ind.Name),
				slog.String("severity", string(outcome.Severity)),
				slog.Int("attempted", res.Attempted),
				slog.Int("succeeded", res.Succeeded))
		}
	}

	// bookkeeping writes still land while shutdown is in progress
	persistCtx := context.WithoutCancel(ctx)
	hist := storage.ExecutionRecord{
		IndicatorID:      ind.ID,
		RunAt:            now,
		Successful:       outcome.Successful,
		CurrentValue:     outcome.CurrentValue,
		BaselineValue:    outcome.BaselineValue,
		DeviationPercent: outcome.DeviationPercent,
		Alerted:          alerted,
		ErrorMessage:     outcome.ErrorMessage,
		ElapsedMs:        outcome.Elapsed.Milliseconds(),
	}
	if err := o.store.SaveExecution(persistCtx, hist); err != nil {
		o.log.Error("execution history write failed", slog.String("indicator", ind.Name), slog.String("error", err.Error()))
	}

	// last-run advances unconditionally so a permanently failing probe is
	// retried on its schedule, not in a tight loop
	consumed := ind.Schedule.Kind == schedule.KindOneTime
	if err := o.store.SaveLastRun(persistCtx, ind.ID, now, consumed); err != nil {
		// the indicator will simply be due again next tick
		o.log.Error("last-run persist failed", slog.String("indicator", ind.Name), slog.String("error", err.Error()))
	}
	o.processed.Add(1)
}

func (o *Orchestrator) housekeeping(ctx context.Context, now time.Time) {
	if o.cfg.AlertRetention > 0 {
		n, err := o.store.PurgeAlertsOlderThan(ctx, now.Add(-o.cfg.AlertRetention), o.cfg.PurgeBatchSize)
		if err != nil {
			o.log.Error("alert purge failed", slog.String("error", err.Error()))
		} else if n > 0 {
			o.log.Info("purged resolved alerts", slog.Int64("count", n))
		}
	}
	if o.cfg.HistoryRetention > 0 {
		n, err := o.store.PurgeExecutionsOlderThan(ctx, now.Add(-o.cfg.HistoryRetention), o.cfg.PurgeBatchSize)
		if err != nil {
			o.log.Error("history purge failed", slog.String("error", err.Error()))
		} else if n > 0 {
			o.log.Info("purged execution history", slog.Int64("count", n))
		}
	}
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		LastTick:   o.lastTick,
		Processed:  o.processed.Load(),
		AlertsSent: o.alertsSent.Load(),
		InFlight:   len(o.inflight),
	}
}

func (o *Orchestrator) claimed(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

func (o *Orchestrator) claim(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[id] = struct{}{}
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}
