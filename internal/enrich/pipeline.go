// Package enrich drives entities from partial to complete: a per-entity pipeline
// (resolve candidate, extract, persist) and a convergence driver that repeats it over
// the store's pending backlog until nothing is left.
package enrich

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/extract"
	"github.com/sells-group/directory-cli/internal/matcher"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/persist"
	"github.com/sells-group/directory-cli/internal/planner"
	"github.com/sells-group/directory-cli/internal/store"
)

// Places is the provider surface the pipeline needs. *fetch.Client implements it.
type Places interface {
	Search(ctx context.Context, query string) ([]model.Candidate, error)
	Details(ctx context.Context, placeID string) (*model.Candidate, error)
	PageText(ctx context.Context, rawURL string) (string, error)
}

// EntityStore is the store surface the pipeline writes outside the coordinator.
type EntityStore interface {
	LinkPlace(ctx context.Context, id int64, placeID, website, phone string) error
	RecordAttempt(ctx context.Context, a store.Attempt) error
}

// Applier persists proposals. *persist.Coordinator implements it.
type Applier interface {
	Apply(ctx context.Context, id int64, results []model.ExtractionResult) (persist.ApplyOutcome, error)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// FetchWebsite enables website text for the pricing and schedule extractors.
	FetchWebsite bool
}

// Pipeline processes one entity at a time. It holds no per-entity state and is safe for
// concurrent use.
type Pipeline struct {
	places     Places
	store      EntityStore
	applier    Applier
	matcher    *matcher.Matcher
	extractors extract.Set
	opts       PipelineOptions
	now        func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(places Places, st EntityStore, applier Applier, m *matcher.Matcher, set extract.Set, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		places:     places,
		store:      st,
		applier:    applier,
		matcher:    m,
		extractors: set,
		opts:       opts,
		now:        time.Now,
	}
}

// EntityOutcome is the result of processing one entity.
type EntityOutcome struct {
	EntityID int64
	// Matched is false when no provider candidate could be tied to the entity.
	Matched bool
	Apply   persist.ApplyOutcome
	States  map[model.FieldGroup]model.TaskState
	Err     error
	// Fatal marks a store outage; the run cannot continue.
	Fatal bool
}

// Process runs the pipeline for e and the given groups. It never panics; failures are
// reported in the outcome and recorded as failed attempts.
func (p *Pipeline) Process(ctx context.Context, e model.Entity, groups []model.FieldGroup) (out EntityOutcome) {
	log := zap.L().With(zap.String("component", "enrich"), zap.Int64("entity_id", e.ID))
	out = EntityOutcome{EntityID: e.ID, States: make(map[model.FieldGroup]model.TaskState, len(groups))}
	for _, g := range groups {
		out.States[g] = model.TaskInProgress
	}

	defer func() {
		if r := recover(); r != nil {
			out.Err = eris.Errorf("enrich: panic processing entity %d: %v", e.ID, r)
			log.Error("pipeline panic", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			for _, g := range groups {
				out.States[g] = model.TaskFailed
			}
		}
		p.recordAttempts(ctx, log, &out)
	}()

	cand, err := p.resolve(ctx, e)
	if err != nil {
		out.fail(err, groups)
		log.Warn("resolve candidate failed", zap.Error(err))
		return out
	}
	out.Matched = cand != nil
	if cand != nil {
		if err := p.store.LinkPlace(ctx, e.ID, cand.PlaceID, cand.Website, cand.Phone); err != nil {
			if store.IsUnavailable(err) {
				out.fail(err, groups)
				return out
			}
			log.Warn("link place failed", zap.Error(err))
		}
	}

	in := extract.Input{Entity: e, Candidate: cand, PageText: p.pageText(ctx, log, e, cand, groups), Now: p.now().UTC()}

	var results []model.ExtractionResult
	groupErrs := make(map[model.FieldGroup]error)
	for _, ex := range p.extractors.For(groups) {
		rs, err := safeExtract(ctx, ex, in)
		if err != nil {
			groupErrs[ex.Group()] = err
			log.Warn("extractor failed", zap.String("extractor", ex.ID()), zap.Error(err))
			continue
		}
		results = append(results, rs...)
	}

	if len(results) > 0 {
		applied, err := p.applier.Apply(ctx, e.ID, results)
		out.Apply = applied
		if err != nil {
			out.fail(err, groups)
			log.Warn("apply failed", zap.Error(err))
			return out
		}
		for f, ferr := range applied.FieldErrors {
			log.Warn("field not written", zap.String("field", string(f)), zap.Error(ferr))
		}
	}

	for _, g := range groups {
		switch {
		case groupErrs[g] != nil:
			out.States[g] = model.TaskFailed
			if out.Err == nil {
				out.Err = groupErrs[g]
			}
		case cand == nil:
			out.States[g] = model.TaskSkipped
		default:
			out.States[g] = model.TaskDone
		}
	}
	return out
}

func (o *EntityOutcome) fail(err error, groups []model.FieldGroup) {
	o.Err = err
	o.Fatal = store.IsUnavailable(err)
	for _, g := range groups {
		o.States[g] = model.TaskFailed
	}
}

// resolve finds the provider record for e: by place ID when linked, otherwise by a
// name search verified with the matcher. A nil candidate means no match.
func (p *Pipeline) resolve(ctx context.Context, e model.Entity) (*model.Candidate, error) {
	if e.PlaceID != "" {
		c, err := p.places.Details(ctx, e.PlaceID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}

	q := planner.EntityQuery(e.Name, e.Locality)
	cands, err := p.places.Search(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	ref := e.Ref()
	var best *model.Candidate
	bestScore := 0.0
	for i := range cands {
		score, ok := p.matcher.MatchEntity(cands[i], ref)
		if ok && (best == nil || score > bestScore) {
			best, bestScore = &cands[i], score
		}
	}
	if best == nil {
		return nil, nil
	}

	cand := *best
	if cand.PlaceID != "" {
		details, err := p.places.Details(ctx, cand.PlaceID)
		if err != nil {
			return nil, err
		}
		cand.Merge(details)
	}
	return &cand, nil
}

// pageText fetches the website only for groups that read it. Failures degrade to no text.
func (p *Pipeline) pageText(ctx context.Context, log *zap.Logger, e model.Entity, cand *model.Candidate, groups []model.FieldGroup) string {
	if !p.opts.FetchWebsite || !needsText(groups) {
		return ""
	}
	site := e.Website
	if site == "" && cand != nil {
		site = cand.Website
	}
	if site == "" {
		return ""
	}
	text, err := p.places.PageText(ctx, site)
	if err != nil {
		log.Debug("website fetch failed", zap.String("url", site), zap.Error(err))
		return ""
	}
	return text
}

func needsText(groups []model.FieldGroup) bool {
	for _, g := range groups {
		if g == model.GroupPricing || g == model.GroupSchedule {
			return true
		}
	}
	return false
}

// safeExtract converts an extractor panic into an error for its group.
func safeExtract(ctx context.Context, ex extract.Extractor, in extract.Input) (rs []model.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("enrich: extractor %s panicked: %v", ex.ID(), r)
		}
	}()
	return ex.Extract(ctx, in)
}

// recordAttempts stamps the cooldown marker for every group that was attempted. It runs
// on a context detached from cancellation so an abandoned entity is still marked.
func (p *Pipeline) recordAttempts(ctx context.Context, log *zap.Logger, out *EntityOutcome) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	at := p.now().UTC()
	for g, state := range out.States {
		a := store.Attempt{EntityID: out.EntityID, Group: g, State: state, AttemptedAt: at}
		if state == model.TaskFailed && out.Err != nil {
			a.Error = truncate(out.Err.Error(), 500)
		}
		if err := p.store.RecordAttempt(rctx, a); err != nil {
			if store.IsUnavailable(err) {
				out.Fatal = true
				if out.Err == nil {
					out.Err = err
				}
			}
			log.Warn("record attempt failed", zap.String("group", string(g)), zap.Error(err))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s...", s[:n])
}
