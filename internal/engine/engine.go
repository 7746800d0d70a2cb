// Package engine enforces profile policy: it ingests activity, closes
// sessions that leave their allowed windows or exceed the daily limit,
// warns before either happens and keeps usage summaries current.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/SoarinFerret/FamilyWarden/internal/clock"
	"github.com/SoarinFerret/FamilyWarden/internal/config"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/eval"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

type Options struct {
	Store    *store.Store
	Config   *config.Config
	Clock    clock.Clock
	Logger   *zap.Logger
	Actuator Actuator
	Metrics  *Metrics
}

// Engine monitors profiles and enforces their policy
type Engine struct {
	store   *store.Store
	cfg     *config.Config
	clock   clock.Clock
	log     *zap.Logger
	act     Actuator
	metrics *Metrics

	loc          *time.Location
	holidays     eval.Holidays
	idleTimeout  time.Duration
	notifyBefore []time.Duration
	workers      *semaphore.Weighted
	tickTimeout  time.Duration
	grace        time.Duration
	maxBackoff   time.Duration

	// warnKey -> struct{} for warnings already sent
	warned sync.Map

	mu sync.Mutex
	// profile id -> day through which summaries were last written
	summarized map[string]time.Time
}

func New(opts Options) *Engine {
	cfg := opts.Config
	e := &Engine{
		store:        opts.Store,
		cfg:          cfg,
		clock:        opts.Clock,
		log:          logger.OrNop(opts.Logger).Named("engine"),
		act:          opts.Actuator,
		metrics:      opts.Metrics,
		loc:          cfg.Location(),
		holidays:     eval.NewHolidays(cfg.Daemon.Holidays),
		idleTimeout:  cfg.Scheduler.IdleTimeout.D(),
		notifyBefore: cfg.NotifyBefore(),
		workers:      semaphore.NewWeighted(int64(max(cfg.Scheduler.Workers, 1))),
		tickTimeout:  cfg.Scheduler.TickTimeout.D(),
		grace:        cfg.Scheduler.ShutdownGrace.D(),
		maxBackoff:   cfg.Scheduler.MaxBackoff.D(),
		summarized:   map[string]time.Time{},
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.act == nil {
		e.act = Multi{}
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now().In(e.loc)
}

type task struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context, now time.Time) error
}

// backoff doubles the delay after each failed tick, up to max, and resets
// on success.
type backoff struct {
	base, max time.Duration
	failures  int
}

func (b *backoff) next(err error) time.Duration {
	if err == nil {
		b.failures = 0
		return b.base
	}
	b.failures++
	d := b.base
	for i := 0; i < b.failures && d < b.max; i++ {
		d *= 2
	}
	return min(d, b.max)
}

// Run starts the periodic tasks and blocks until ctx is cancelled. In-flight
// ticks get the shutdown grace period to finish.
func (e *Engine) Run(ctx context.Context) error {
	s := e.cfg.Scheduler
	tasks := []task{
		{name: "time_window", interval: s.WindowInterval.D(), tick: e.windowTick},
		{name: "daily_limit", interval: s.LimitInterval.D(), tick: e.limitTick},
		{name: "summary", interval: s.SummaryInterval.D(), tick: e.summaryTick},
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			e.loop(ctx, t)
		}(t)
	}
	e.log.Info("enforcement engine started", zap.Int("tasks", len(tasks)))

	<-ctx.Done()
	e.log.Info("enforcement engine shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.grace):
		e.log.Warn("in-flight ticks did not finish within the shutdown grace period", zap.Duration("grace", e.grace))
	}
	return nil
}

func (e *Engine) loop(ctx context.Context, t task) {
	log := e.log.With(logger.Task(t.name))
	b := &backoff{base: t.interval, max: max(e.maxBackoff, t.interval)}

	// run immediately on start
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := e.runTick(ctx, t)
		delay := b.next(err)
		if err != nil {
			log.Warn("tick failed, backing off", logger.Err(err), zap.Duration("retry_in", delay))
		}
		timer.Reset(delay)
	}
}

// runTick runs one tick to completion. Shutdown does not interrupt it;
// only the tick timeout does.
func (e *Engine) runTick(ctx context.Context, t task) error {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.tickTimeout)
	defer cancel()
	tr := e.metrics.track(t.name)
	return tr.end(t.tick(tickCtx, e.now()))
}

// forEachProfile runs fn for every active profile on the shared worker
// pool. A failing profile is logged and skipped; transient storage errors
// also fail the tick so the task backs off.
func (e *Engine) forEachProfile(ctx context.Context, taskName string, fn func(ctx context.Context, p policy.Profile) error) error {
	var profiles []policy.Profile
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		profiles, err = tx.Profiles(true)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}

	var g errgroup.Group
	for _, p := range profiles {
		if err := e.workers.Acquire(ctx, 1); err != nil {
			g.Wait()
			return errs.Transient(err, "worker pool unavailable")
		}
		g.Go(func() error {
			defer e.workers.Release(1)
			err := fn(ctx, p)
			if err == nil {
				return nil
			}
			e.log.Error("profile check failed", logger.Task(taskName), logger.Profile(p.ID), logger.Err(err))
			if errs.KindOf(err) == errs.KindTransient {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// batch collects the actions one transaction takes against a profile.
// Each action is stored as an enforcement event inside the transaction and
// handed to the actuators only after it commits.
type batch struct {
	tx *store.Tx
	p  *policy.Profile
	// audit writes one enforcer audit entry per action. Callers that audit
	// the whole call themselves leave it off.
	audit   bool
	actions []Action
	// warnings are marked sent once the transaction commits.
	warnings []warnKey
}

func (b *batch) add(a Action) error {
	a.ProfileID = b.p.ID
	a.Username = b.p.Username
	if a.At.IsZero() {
		a.At = b.tx.Now()
	}
	ev := &store.EnforcementEvent{ProfileID: b.p.ID, At: a.At, Kind: a.Kind, Reason: a.Reason, AppID: a.AppID}
	if err := b.tx.InsertEvent(ev); err != nil {
		return err
	}
	if b.audit {
		details := map[string]any{"reason": a.Reason}
		if a.AppID != "" {
			details["app_id"] = a.AppID
		}
		if err := b.tx.Audit(store.ActorEnforcer, "enforce_"+string(a.Kind), "profile", b.p.ID, true, details); err != nil {
			return err
		}
	}
	b.actions = append(b.actions, a)
	return nil
}

// finish marks the batch's warnings sent and dispatches its actions. It
// must only be called after the batch's transaction committed.
func (e *Engine) finish(ctx context.Context, b *batch) {
	if b == nil {
		return
	}
	for _, k := range b.warnings {
		e.warned.Store(k, struct{}{})
	}
	e.dispatch(ctx, b.actions)
}

// dispatch hands committed actions to the actuators. Actuator failures are
// logged; the decision itself is already durable.
func (e *Engine) dispatch(ctx context.Context, actions []Action) {
	for _, a := range actions {
		e.metrics.action(a.Kind)
		e.log.Info("enforcement action",
			logger.Profile(a.ProfileID), zap.String("kind", string(a.Kind)),
			zap.String("reason", a.Reason), logger.App(a.AppID))
		if err := e.act.Act(ctx, a); err != nil {
			e.log.Warn("actuator failed", logger.Profile(a.ProfileID), zap.String("kind", string(a.Kind)), logger.Err(err))
		}
	}
}

type warnKey struct {
	profileID string
	day       string
	scope     string
	threshold time.Duration
}

func (e *Engine) warnedAlready(key warnKey) bool {
	_, ok := e.warned.Load(key)
	return ok
}

// warn queues a warning unless the same one was already sent.
func (e *Engine) warn(b *batch, key warnKey, a Action) error {
	if e.warnedAlready(key) {
		return nil
	}
	b.warnings = append(b.warnings, key)
	a.Kind = store.EventWarn
	return b.add(a)
}

// forgetWarnings drops warning marks of days other than day.
func (e *Engine) forgetWarnings(day string) {
	e.warned.Range(func(k, _ any) bool {
		if k.(warnKey).day != day {
			e.warned.Delete(k)
		}
		return true
	})
}

// heartbeat records scheduler liveness for crash recovery.
func (e *Engine) heartbeat(ctx context.Context, now time.Time) {
	if err := e.store.Heartbeat(ctx, now); err != nil {
		e.log.Warn("recording heartbeat", logger.Err(err))
	}
}
