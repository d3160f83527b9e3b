package enrich

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/store"
)

// Backlog is the store surface the driver reads and reports into.
type Backlog interface {
	PendingEntities(ctx context.Context, f store.PendingFilter) ([]store.PendingEntity, error)
	CreateRun(ctx context.Context, groups []model.FieldGroup) (*model.Run, error)
	CompleteRun(ctx context.Context, id string, status model.RunStatus, summary *model.RunSummary, errMsg string) error
}

// Processor enriches one entity. *Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, e model.Entity, groups []model.FieldGroup) EntityOutcome
}

// DriverConfig bounds a convergence run.
type DriverConfig struct {
	BatchSize int
	// MaxCycles is the safety bound; reaching it ends the run as exhausted.
	MaxCycles int
	Workers   int
	// TimeBudget ends the run as exhausted once elapsed. Zero means no limit.
	TimeBudget time.Duration
	// EntityTimeout bounds a single entity, including after the time budget expires.
	EntityTimeout time.Duration
	// Cooldown hides groups attempted within this window before the run started.
	Cooldown time.Duration
}

// DriverConfigFrom converts the enrich section of the application config.
func DriverConfigFrom(c config.EnrichConfig) DriverConfig {
	return DriverConfig{
		BatchSize:     c.BatchSize,
		MaxCycles:     c.MaxCycles,
		Workers:       c.Workers,
		TimeBudget:    time.Duration(c.TimeBudgetSecs) * time.Second,
		EntityTimeout: time.Duration(c.EntityTimeoutSecs) * time.Second,
		Cooldown:      time.Duration(c.RetryCooldownHours) * time.Hour,
	}
}

// RunOpts selects the work for one run.
type RunOpts struct {
	Groups   []model.FieldGroup
	Locality string
	// Stats receives the outcomes; a fresh RunStats is used when nil.
	Stats *RunStats
}

// Driver repeats SelectBatch, Dispatch, Collect until the backlog is empty or a bound
// is reached. Pending work is derived from the store on every cycle, so a killed run
// resumes by simply running again.
type Driver struct {
	store Backlog
	proc  Processor
	calls func() int64
	cfg   DriverConfig
	now   func() time.Time
	log   *zap.Logger
}

// NewDriver creates a Driver. calls reports the provider call counter and may be nil.
func NewDriver(st Backlog, proc Processor, calls func() int64, cfg DriverConfig) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EntityTimeout <= 0 {
		cfg.EntityTimeout = time.Minute
	}
	if calls == nil {
		calls = func() int64 { return 0 }
	}
	return &Driver{
		store: st,
		proc:  proc,
		calls: calls,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "driver")),
	}
}

// Run drives the backlog to convergence. The returned stats carry the terminal status:
// converged when the backlog emptied, exhausted when a cycle or time bound stopped the
// run first, failed when the store became unavailable (also returned as the error).
func (d *Driver) Run(ctx context.Context, opts RunOpts) (*RunStats, error) {
	stats := opts.Stats
	if stats == nil {
		stats = NewRunStats()
	}
	groups := opts.Groups
	if len(groups) == 0 {
		groups = model.AllGroups
	}

	run, err := d.store.CreateRun(ctx, groups)
	if err != nil {
		return stats, eris.Wrap(err, "enrich: create run")
	}
	stats.begin(run.ID)
	log := d.log.With(zap.String("run_id", run.ID))
	log.Info("run started", zap.Any("groups", groups), zap.String("locality", opts.Locality))

	budgetCtx := ctx
	if d.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, d.cfg.TimeBudget)
		defer cancel()
	}

	startCalls := d.calls()
	cutoff := d.now().Add(-d.cfg.Cooldown)
	status, runErr := d.loop(ctx, budgetCtx, log, stats, store.PendingFilter{
		Groups:   groups,
		Cutoff:   cutoff,
		Locality: opts.Locality,
		Limit:    d.cfg.BatchSize,
	})

	stats.finish(run.ID, status, d.calls()-startCalls)
	summary := stats.Summary()
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("processed", summary.Processed),
		zap.Int64("updated", summary.Updated),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("errored", summary.Errored),
		zap.Int("cycles", summary.Cycles),
		zap.Int64("api_calls", summary.APICalls),
	}
	if runErr != nil {
		log.Error("run failed", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("run complete", fields...)
	}

	if err := d.store.CompleteRun(context.WithoutCancel(ctx), run.ID, status, &summary, errMsg); err != nil {
		if runErr != nil {
			log.Warn("complete run failed", zap.Error(err))
			return stats, runErr
		}
		return stats, eris.Wrap(err, "enrich: complete run")
	}
	return stats, runErr
}

func (d *Driver) loop(ctx, budgetCtx context.Context, log *zap.Logger, stats *RunStats, filter store.PendingFilter) (model.RunStatus, error) {
	for cycle := 1; ; cycle++ {
		if cycle > d.cfg.MaxCycles {
			log.Warn("cycle bound reached", zap.Int("max_cycles", d.cfg.MaxCycles))
			return model.RunStatusExhausted, nil
		}
		if budgetCtx.Err() != nil {
			log.Warn("time budget exhausted", zap.Int("cycle", cycle))
			return model.RunStatusExhausted, nil
		}

		// SelectBatch
		batch, err := d.store.PendingEntities(budgetCtx, filter)
		if err != nil {
			if budgetCtx.Err() != nil && !store.IsUnavailable(err) {
				return model.RunStatusExhausted, nil
			}
			return model.RunStatusFailed, eris.Wrap(err, "enrich: select batch")
		}
		if len(batch) == 0 {
			return model.RunStatusConverged, nil
		}
		stats.cycle()
		log.Debug("batch selected", zap.Int("cycle", cycle), zap.Int("entities", len(batch)))

		// Dispatch + Collect
		if err := d.dispatch(ctx, budgetCtx, stats, batch); err != nil {
			return model.RunStatusFailed, err
		}
	}
}

// dispatch processes a batch on a bounded worker pool. Entities not yet started when
// the budget expires are abandoned; started ones run to completion on a context that
// ignores the budget but keeps the per-entity timeout.
func (d *Driver) dispatch(ctx, budgetCtx context.Context, stats *RunStats, batch []store.PendingEntity) error {
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)

	var stop atomic.Bool
	for _, pe := range batch {
		if budgetCtx.Err() != nil || stop.Load() {
			break
		}
		g.Go(func() error {
			if budgetCtx.Err() != nil || stop.Load() {
				return nil
			}
			ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.EntityTimeout)
			defer cancel()

			out := d.proc.Process(ectx, pe.Entity, pe.Groups)
			stats.Record(out)
			if out.Fatal {
				stop.Store(true)
				return eris.Wrapf(out.Err, "enrich: store unavailable processing entity %d", pe.Entity.ID)
			}
			return nil
		})
	}
	return g.Wait()
}
