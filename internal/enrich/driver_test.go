package enrich

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/extract"
	"github.com/sells-group/directory-cli/internal/matcher"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/persist"
	"github.com/sells-group/directory-cli/internal/store"
)

func TestRun_EmptyBacklogConverges(t *testing.T) {
	st := newTestStore(t)
	places := newFakePlaces(sunshine)
	d := NewDriver(st, newTestPipeline(places, st, verifiedSet()), places.calls.Load, testDriverConfig())

	stats, err := d.Run(context.Background(), RunOpts{})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, stats.Status())
	s := stats.Summary()
	assert.Zero(t, s.Processed)
	assert.Zero(t, s.Cycles)
	assert.Zero(t, s.APICalls)

	run, err := st.GetRun(context.Background(), stats.RunID())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, run.Status)
	require.NotNil(t, run.CompletedAt)
}

func TestRun_Converges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seeded := seed(t, st, "Sunshine Swim School", "Tiny Tots Ballet", "Little Kickers")
	places := newFakePlaces(sunshine)
	cfg := testDriverConfig()
	cfg.BatchSize = 2
	d := NewDriver(st, newTestPipeline(places, st, verifiedSet()), places.calls.Load, cfg)

	stats, err := d.Run(ctx, RunOpts{})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, stats.Status())
	s := stats.Summary()
	assert.Equal(t, int64(3), s.Processed)
	assert.Equal(t, int64(5), s.Updated)
	assert.Equal(t, int64(2), s.NoMatch)
	assert.Zero(t, s.Errored)
	assert.Equal(t, 2, s.Cycles)
	assert.Positive(t, s.APICalls)

	got, err := st.GetEntity(ctx, seeded[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.Price)

	pending, err := st.PendingEntities(ctx, store.PendingFilter{Cutoff: time.Now().Add(-cfg.Cooldown)})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := seed(t, st, "Sunshine Swim School")[0]
	places := newFakePlaces(sunshine)
	d := NewDriver(st, newTestPipeline(places, st, verifiedSet()), places.calls.Load, testDriverConfig())

	_, err := d.Run(ctx, RunOpts{})
	require.NoError(t, err)
	first, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	calls := places.calls.Load()

	stats, err := d.Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, stats.Status())
	assert.Zero(t, stats.Summary().Processed)
	assert.Equal(t, calls, places.calls.Load())

	second, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Provenance, second.Provenance)
}

func TestRun_RetriesUnfinishedGroupAfterCooldown(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := seed(t, st, "Sunshine Swim School")[0]
	places := newFakePlaces(sunshine)
	set := verifiedSet()
	delete(set, model.GroupPricing)
	d := NewDriver(st, newTestPipeline(places, st, set), places.calls.Load, testDriverConfig())

	stats, err := d.Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Summary().Processed)

	// Within the cooldown the pricing group stays hidden.
	stats, err = d.Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Zero(t, stats.Summary().Processed)

	cfg := testDriverConfig()
	cfg.Cooldown = 0
	retry := NewDriver(st, newTestPipeline(places, st, verifiedSet()), places.calls.Load, cfg)
	stats, err = retry.Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, stats.Status())
	assert.Equal(t, int64(1), stats.Summary().Processed)
	assert.Equal(t, int64(1), stats.Summary().Updated)

	got, err := st.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Price)
}

func TestRun_FailureIsIsolated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seeded := seed(t, st, "Sunshine Swim School", "Sunshine Swim School Headingley")
	places := newFakePlaces(sunshine, model.Candidate{
		PlaceID: "place-2", Name: "Sunshine Swim School Headingley", FormattedAddress: "Headingley, Leeds LS6",
	})
	set := verifiedSet()
	set[model.GroupCategory] = funcExtractor{"fake.category", model.GroupCategory, func(in extract.Input) []model.ExtractionResult {
		if in.Candidate != nil && in.Candidate.PlaceID == "place-1" {
			panic("nil map")
		}
		return []model.ExtractionResult{proposal(model.FieldCategory, model.Category{Main: "Sport"}, true)}
	}}
	d := NewDriver(st, newTestPipeline(places, st, set), places.calls.Load, testDriverConfig())

	stats, err := d.Run(ctx, RunOpts{})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusConverged, stats.Status())
	assert.Equal(t, int64(2), stats.Summary().Processed)
	assert.Equal(t, int64(1), stats.Summary().Errored)

	other, err := st.GetEntity(ctx, seeded[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Sport", other.Category)
}

func TestRun_StoreUnavailableFailsRun(t *testing.T) {
	sq := newTestStore(t)
	ctx := context.Background()
	seed(t, sq, "Sunshine Swim School")
	st := &unavailableStore{SQLiteStore: sq}
	st.down.Store(true)
	p := NewPipeline(newFakePlaces(sunshine), st, persist.New(sq), matcher.New(matcher.DefaultConfig()), verifiedSet(), PipelineOptions{})
	d := NewDriver(sq, p, nil, testDriverConfig())

	stats, err := d.Run(ctx, RunOpts{})

	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
	assert.Equal(t, model.RunStatusFailed, stats.Status())

	run, err := sq.GetRun(ctx, stats.RunID())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

// stuckProcessor never makes progress, so its entities stay pending.
type stuckProcessor struct {
	delay time.Duration
	calls atomic.Int64
}

func (p *stuckProcessor) Process(_ context.Context, e model.Entity, groups []model.FieldGroup) EntityOutcome {
	p.calls.Add(1)
	time.Sleep(p.delay)
	return EntityOutcome{EntityID: e.ID, Matched: true}
}

func TestRun_MaxCyclesExhausts(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "Sunshine Swim School")
	proc := &stuckProcessor{}
	cfg := testDriverConfig()
	cfg.MaxCycles = 3
	d := NewDriver(st, proc, nil, cfg)

	stats, err := d.Run(context.Background(), RunOpts{})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusExhausted, stats.Status())
	assert.Equal(t, 3, stats.Summary().Cycles)
	assert.Equal(t, int64(3), proc.calls.Load())
}

func TestRun_TimeBudgetExhausts(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "Sunshine Swim School", "Tiny Tots Ballet", "Little Kickers")
	proc := &stuckProcessor{delay: 50 * time.Millisecond}
	cfg := testDriverConfig()
	cfg.Workers = 1
	cfg.MaxCycles = 1000
	cfg.TimeBudget = 20 * time.Millisecond
	d := NewDriver(st, proc, nil, cfg)

	stats, err := d.Run(context.Background(), RunOpts{})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusExhausted, stats.Status())
	// The in-flight entity finishes; queued ones are abandoned.
	assert.Equal(t, int64(1), stats.Summary().Processed)
}

func TestRun_GroupsAndLocalityFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seed(t, st, "Sunshine Swim School")
	_, _, err := st.CreateEntity(ctx, &model.Entity{
		Name: "Sunshine Swim School", NormalizedName: "sunshine swim school", Locality: "York", Active: true,
	})
	require.NoError(t, err)
	places := newFakePlaces(sunshine)
	d := NewDriver(st, newTestPipeline(places, st, verifiedSet()), places.calls.Load, testDriverConfig())

	stats, err := d.Run(ctx, RunOpts{Groups: []model.FieldGroup{model.GroupSchedule}, Locality: "Leeds"})

	require.NoError(t, err)
	s := stats.Summary()
	assert.Equal(t, int64(1), s.Processed)
	assert.Equal(t, int64(1), s.Updated)

	run, err := st.GetRun(ctx, stats.RunID())
	require.NoError(t, err)
	assert.Equal(t, []model.FieldGroup{model.GroupSchedule}, run.Groups)
}

func TestRunStats_Record(t *testing.T) {
	s := NewRunStats()
	assert.Equal(t, model.RunStatusRunning, s.Status())

	s.Record(EntityOutcome{Matched: true, Apply: persist.ApplyOutcome{
		Updated:   []model.Field{model.FieldPrice, model.FieldSchedule},
		Unchanged: []model.Field{model.FieldCategory},
	}})
	s.Record(EntityOutcome{Err: assert.AnError})
	s.cycle()
	s.finish("run-1", model.RunStatusConverged, 7)

	got := s.Summary()
	assert.Equal(t, model.RunSummary{
		Processed: 2, Updated: 2, Unchanged: 1, Errored: 1, NoMatch: 1, Cycles: 1, APICalls: 7,
	}, got)
	assert.Equal(t, "run-1", s.RunID())
	assert.Equal(t, model.RunStatusConverged, s.Status())
}

func TestDriverConfigFrom(t *testing.T) {
	cfg := DriverConfigFrom(config.EnrichConfig{BatchSize: 25, TimeBudgetSecs: 90, RetryCooldownHours: 6})
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.TimeBudget)
	assert.Equal(t, 6*time.Hour, cfg.Cooldown)
}
