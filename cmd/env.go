package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/discover"
	"github.com/sells-group/directory-cli/internal/enrich"
	"github.com/sells-group/directory-cli/internal/extract"
	"github.com/sells-group/directory-cli/internal/fetch"
	"github.com/sells-group/directory-cli/internal/matcher"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/persist"
	"github.com/sells-group/directory-cli/internal/planner"
	"github.com/sells-group/directory-cli/internal/ratebudget"
	"github.com/sells-group/directory-cli/internal/resilience"
	"github.com/sells-group/directory-cli/internal/store"
	"github.com/sells-group/directory-cli/internal/taxonomy"
	"github.com/sells-group/directory-cli/pkg/google"
)

// appEnv holds the wired components shared by the commands.
type appEnv struct {
	Store    store.Store
	Fetch    *fetch.Client
	Taxonomy *taxonomy.Taxonomy
	Pipeline *enrich.Pipeline
	Driver   *enrich.Driver
	Discover *discover.Runner
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func loadTaxonomy(c config.TaxonomyConfig) (*taxonomy.Taxonomy, error) {
	if c.Path != "" {
		return taxonomy.Load(c.Path)
	}
	return taxonomy.Default()
}

// initEnv validates the config for mode and wires every component.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	tax, err := loadTaxonomy(cfg.Taxonomy)
	if err != nil {
		return nil, eris.Wrap(err, "load taxonomy")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	var gopts []google.Option
	if cfg.Google.BaseURL != "" {
		gopts = append(gopts, google.WithBaseURL(cfg.Google.BaseURL))
	}
	budget := ratebudget.New(ratebudget.FromConfig(cfg.Budget))
	policy := resilience.FromConfig(cfg.Retry)
	fc := fetch.New(google.NewClient(cfg.Google.Key, gopts...), budget, fetch.Options{
		Timeout: time.Duration(cfg.Google.TimeoutSecs) * time.Second,
		Policy:  policy,
		Pages:   fetch.PageOptions{Policy: policy},
	})

	m := matcher.New(matcher.FromConfig(cfg.Matcher))
	set := extract.NewSet(extract.Deps{
		Pricing:  extract.PricingFromConfig(cfg.Pricing),
		Taxonomy: tax,
		Nearby:   fc,
		RadiusM:  cfg.Enrich.NearbyRadiusM,
	})

	pipeline := enrich.NewPipeline(fc, st, persist.New(st), m, set, enrich.PipelineOptions{
		FetchWebsite: cfg.Enrich.FetchWebsite,
	})

	env := &appEnv{
		Store:    st,
		Fetch:    fc,
		Taxonomy: tax,
		Pipeline: pipeline,
		Driver:   enrich.NewDriver(st, pipeline, fc.Calls, enrich.DriverConfigFrom(cfg.Enrich)),
		Discover: discover.NewRunner(fc, st, planner.New(tax), m, tax),
	}

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("budget_capacity", budget.Capacity()),
	)
	return env, nil
}

// enrichGroups resolves --groups, falling back to the configured default.
func enrichGroups(flagGroups []string) ([]model.FieldGroup, error) {
	names := flagGroups
	if len(names) == 0 {
		names = cfg.Enrich.Groups
	}
	groups, ok := model.ParseGroups(names)
	if !ok {
		return nil, eris.Errorf("unknown field group in %v (want pricing, schedule, category, transport)", names)
	}
	return groups, nil
}
