package enrich

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/directory-cli/internal/extract"
	"github.com/sells-group/directory-cli/internal/matcher"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/persist"
	"github.com/sells-group/directory-cli/internal/store"
	"github.com/sells-group/directory-cli/internal/textnorm"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st store.Store, names ...string) []*model.Entity {
	t.Helper()
	out := make([]*model.Entity, 0, len(names))
	for _, n := range names {
		e, _, err := st.CreateEntity(context.Background(), &model.Entity{
			Name: n, NormalizedName: textnorm.Name(n), Locality: "Leeds", Active: true,
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// fakePlaces serves candidates keyed by normalized name and counts every call.
type fakePlaces struct {
	mu    sync.Mutex
	byID  map[string]model.Candidate
	calls atomic.Int64
	err   error
}

func newFakePlaces(cands ...model.Candidate) *fakePlaces {
	p := &fakePlaces{byID: make(map[string]model.Candidate)}
	for _, c := range cands {
		p.byID[c.PlaceID] = c
	}
	return p
}

func (p *fakePlaces) Search(_ context.Context, query string) ([]model.Candidate, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Candidate
	q := strings.ToLower(query)
	for _, c := range p.byID {
		if strings.HasPrefix(q, textnorm.Name(c.Name)) {
			out = append(out, model.Candidate{PlaceID: c.PlaceID, Name: c.Name, FormattedAddress: c.FormattedAddress})
		}
	}
	return out, nil
}

func (p *fakePlaces) Details(_ context.Context, placeID string) (*model.Candidate, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[placeID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (p *fakePlaces) PageText(context.Context, string) (string, error) {
	p.calls.Add(1)
	return "", nil
}

// funcExtractor adapts a function to extract.Extractor.
type funcExtractor struct {
	id    string
	group model.FieldGroup
	fn    func(in extract.Input) []model.ExtractionResult
}

func (f funcExtractor) ID() string              { return f.id }
func (f funcExtractor) Group() model.FieldGroup { return f.group }
func (f funcExtractor) Extract(_ context.Context, in extract.Input) ([]model.ExtractionResult, error) {
	return f.fn(in), nil
}

func proposal(field model.Field, v any, verified bool) model.ExtractionResult {
	return model.ExtractionResult{Field: field, Value: v, ExtractorID: "fake." + string(field), Confidence: 0.9, Verified: verified}
}

// verifiedSet fills every group with verified values whenever a candidate was matched.
func verifiedSet() extract.Set {
	withCandidate := func(rs ...model.ExtractionResult) func(extract.Input) []model.ExtractionResult {
		return func(in extract.Input) []model.ExtractionResult {
			if in.Candidate == nil {
				return nil
			}
			return rs
		}
	}
	return extract.Set{
		model.GroupPricing: funcExtractor{"fake.pricing", model.GroupPricing,
			withCandidate(proposal(model.FieldPrice, "£6 per session", true))},
		model.GroupSchedule: funcExtractor{"fake.schedule", model.GroupSchedule,
			withCandidate(proposal(model.FieldSchedule, model.Schedule{Day: "Wednesday", Time: "9:30 AM"}, true))},
		model.GroupCategory: funcExtractor{"fake.category", model.GroupCategory,
			withCandidate(proposal(model.FieldCategory, model.Category{Main: "Sport", Sub: "Swimming"}, true))},
		model.GroupTransport: funcExtractor{"fake.transport", model.GroupTransport,
			withCandidate(
				proposal(model.FieldParking, model.Parking{Available: true}, true),
				proposal(model.FieldNearbyStops, []model.Stop{{Name: "Headrow", DistanceM: 120}}, true),
			)},
	}
}

func newTestPipeline(places Places, st *store.SQLiteStore, set extract.Set) *Pipeline {
	return NewPipeline(places, st, persist.New(st), matcher.New(matcher.DefaultConfig()), set, PipelineOptions{})
}

func testDriverConfig() DriverConfig {
	return DriverConfig{BatchSize: 10, MaxCycles: 10, Workers: 4, Cooldown: 24 * time.Hour}
}

// unavailableStore reports the database as gone once tripped.
type unavailableStore struct {
	*store.SQLiteStore
	down atomic.Bool
}

func (s *unavailableStore) LinkPlace(ctx context.Context, id int64, placeID, website, phone string) error {
	if s.down.Load() {
		return eris.Wrap(store.ErrUnavailable, "store: link place")
	}
	return s.SQLiteStore.LinkPlace(ctx, id, placeID, website, phone)
}

func (s *unavailableStore) RecordAttempt(ctx context.Context, a store.Attempt) error {
	if s.down.Load() {
		return eris.Wrap(store.ErrUnavailable, "store: record attempt")
	}
	return s.SQLiteStore.RecordAttempt(ctx, a)
}
