// Package discover ingests new directory entities for a coverage goal: it walks the
// planner's query sequence, matches each result against the locality, and creates the
// entities that are genuinely new.
package discover

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/matcher"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/planner"
	"github.com/sells-group/directory-cli/internal/store"
	"github.com/sells-group/directory-cli/internal/taxonomy"
	"github.com/sells-group/directory-cli/internal/textnorm"
)

// Searcher issues provider text searches. *fetch.Client implements it.
type Searcher interface {
	Search(ctx context.Context, query string) ([]model.Candidate, error)
}

// Store is the store surface discovery needs.
type Store interface {
	EntitiesInLocality(ctx context.Context, locality string) ([]model.EntityRef, error)
	CreateEntity(ctx context.Context, e *model.Entity) (*model.Entity, bool, error)
}

// Localities resolves a locality name to its aliases and postcodes.
type Localities interface {
	Locality(name string) taxonomy.Locality
}

// Result summarizes one discovery pass.
type Result struct {
	Target     planner.Target    `json:"target"`
	Queries    int               `json:"queries"`
	Candidates int               `json:"candidates"`
	Created    []model.EntityRef `json:"created"`
	Duplicates int               `json:"duplicates"`
	Rejected   map[string]int    `json:"rejected,omitempty"`
	// SearchErrors counts queries that failed after retries; the pass moves on.
	SearchErrors int `json:"search_errors"`
	// Met reports whether the desired count was reached.
	Met bool `json:"met"`
}

// Runner executes discovery passes.
type Runner struct {
	search     Searcher
	store      Store
	planner    *planner.Planner
	matcher    *matcher.Matcher
	localities Localities
}

// NewRunner creates a Runner.
func NewRunner(s Searcher, st Store, p *planner.Planner, m *matcher.Matcher, loc Localities) *Runner {
	return &Runner{search: s, store: st, planner: p, matcher: m, localities: loc}
}

// Run executes one pass for target. A new entity created earlier in the pass is part
// of the matching context, so the same place returned by a later query is a duplicate.
func (r *Runner) Run(ctx context.Context, target planner.Target) (*Result, error) {
	if target.Category == "" || target.Locality == "" {
		return nil, eris.New("discover: category and locality are required")
	}
	log := zap.L().With(zap.String("component", "discover"),
		zap.String("category", target.Category), zap.String("locality", target.Locality))

	existing, err := r.store.EntitiesInLocality(ctx, target.Locality)
	if err != nil {
		return nil, eris.Wrap(err, "discover: load locality")
	}
	lc := matcher.NewContext(r.localities.Locality(target.Locality), existing)

	res := &Result{Target: target, Rejected: make(map[string]int)}
	seen := make(map[string]bool)
	seq := r.planner.Plan(target)

	for q := range seq.All() {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "discover: cancelled")
		}
		res.Queries++

		cands, err := r.search.Search(ctx, q.Text)
		if err != nil {
			res.SearchErrors++
			log.Warn("search failed", zap.String("query", q.Text), zap.Error(err))
			continue
		}

		accepted := 0
		for _, c := range cands {
			if c.PlaceID != "" {
				if seen[c.PlaceID] {
					continue
				}
				seen[c.PlaceID] = true
			}
			res.Candidates++

			v := r.matcher.Match(c, lc)
			switch v.Kind {
			case model.VerdictRejected:
				res.Rejected[v.Reason]++
				continue
			case model.VerdictDuplicate:
				res.Duplicates++
				continue
			}

			e, created, err := r.store.CreateEntity(ctx, newEntity(c, target.Locality))
			if err != nil {
				if store.IsUnavailable(err) {
					return res, eris.Wrap(err, "discover: create entity")
				}
				log.Warn("create entity failed", zap.String("name", c.Name), zap.Error(err))
				continue
			}
			if !created {
				// Same normalized name already stored (possibly inactive).
				res.Duplicates++
				continue
			}
			ref := e.Ref()
			lc.Add(ref)
			res.Created = append(res.Created, ref)
			accepted++
		}

		total := seq.Accept(accepted)
		log.Debug("query done", zap.String("query", q.Text),
			zap.Int("results", len(cands)), zap.Int("accepted", accepted), zap.Int("total", total))
	}

	res.Met = target.DesiredCount > 0 && r.planner.Accepted(target.Locality) >= target.DesiredCount
	log.Info("discovery complete",
		zap.Int("queries", res.Queries),
		zap.Int("created", len(res.Created)),
		zap.Int("duplicates", res.Duplicates),
		zap.Bool("met", res.Met),
	)
	return res, nil
}

func newEntity(c model.Candidate, locality string) *model.Entity {
	return &model.Entity{
		Name:           c.Name,
		NormalizedName: textnorm.Name(c.Name),
		Locality:       locality,
		Geo:            c.Geo,
		PlaceID:        c.PlaceID,
		Website:        c.Website,
		Phone:          c.Phone,
		Active:         true,
	}
}
