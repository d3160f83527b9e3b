// Package persist merges extractor proposals into stored entities. Stored values only
// move forward: a verified value is never replaced by an unverified one.
package persist

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/store"
)

// Store is the subset of store.Store the coordinator writes through.
type Store interface {
	GetEntity(ctx context.Context, id int64) (*model.Entity, error)
	UpdateEntity(ctx context.Context, e *model.Entity) error
}

// ApplyOutcome reports what happened to each proposed field.
type ApplyOutcome struct {
	Updated   []model.Field `json:"updated,omitempty"`
	Unchanged []model.Field `json:"unchanged,omitempty"`
	// Skipped fields kept an existing value that outranks the proposal.
	Skipped []model.Field `json:"skipped,omitempty"`
	// Applied holds the provenance written for each updated field.
	Applied     map[model.Field]model.Provenance `json:"applied,omitempty"`
	FieldErrors map[model.Field]error            `json:"-"`
}

// Changed reports whether the apply wrote anything.
func (o ApplyOutcome) Changed() bool { return len(o.Updated) > 0 }

func (o *ApplyOutcome) fieldError(f model.Field, err error) {
	if o.FieldErrors == nil {
		o.FieldErrors = make(map[model.Field]error)
	}
	o.FieldErrors[f] = err
}

// Coordinator applies proposals with a versioned write per entity.
type Coordinator struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Coordinator.
func New(st Store) *Coordinator {
	return &Coordinator{
		store: st,
		locks: newKeyedMutex(),
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "persist")),
	}
}

// Apply merges results into entity id. Applying the same results twice leaves the
// entity as the first apply did. Field-level problems are reported in the outcome;
// the returned error is reserved for failures of the entity write itself.
func (c *Coordinator) Apply(ctx context.Context, id int64, results []model.ExtractionResult) (ApplyOutcome, error) {
	var out ApplyOutcome
	best := resolve(results, &out)
	if len(best) == 0 {
		return out, nil
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		e, err := c.store.GetEntity(ctx, id)
		if err != nil {
			return out, eris.Wrapf(err, "persist: load entity %d", id)
		}

		plan := c.merge(e, best)
		for f, ferr := range out.FieldErrors {
			plan.fieldError(f, ferr)
		}
		if !plan.Changed() {
			return plan, nil
		}

		err = c.store.UpdateEntity(ctx, e)
		switch {
		case err == nil:
			return plan, nil
		case errors.Is(err, store.ErrVersionConflict) && attempt == 0:
			c.log.Debug("version conflict, re-reading", zap.Int64("entity_id", id))
			continue
		case errors.Is(err, store.ErrVersionConflict):
			// A second writer won twice in a row; keep its values.
			plan.Skipped = append(plan.Skipped, plan.Updated...)
			plan.Updated = nil
			plan.Applied = nil
			return plan, nil
		case store.IsUnavailable(err) || ctx.Err() != nil:
			return out, eris.Wrapf(err, "persist: update entity %d", id)
		default:
			return c.applyEach(ctx, id, best, plan, err)
		}
	}
}

// applyEach writes fields one at a time after a combined write failed, so one bad field
// does not block the rest.
func (c *Coordinator) applyEach(ctx context.Context, id int64, best map[model.Field]model.ExtractionResult, plan ApplyOutcome, cause error) (ApplyOutcome, error) {
	c.log.Warn("combined write failed, applying fields individually",
		zap.Int64("entity_id", id), zap.Error(cause))

	out := ApplyOutcome{Unchanged: plan.Unchanged, Skipped: plan.Skipped, FieldErrors: plan.FieldErrors}
	for _, f := range plan.Updated {
		e, err := c.store.GetEntity(ctx, id)
		if err != nil {
			return out, eris.Wrapf(err, "persist: reload entity %d", id)
		}
		one := c.merge(e, map[model.Field]model.ExtractionResult{f: best[f]})
		for f, ferr := range one.FieldErrors {
			out.fieldError(f, ferr)
		}
		if !one.Changed() {
			out.Unchanged = append(out.Unchanged, one.Unchanged...)
			out.Skipped = append(out.Skipped, one.Skipped...)
			continue
		}
		if err := c.store.UpdateEntity(ctx, e); err != nil {
			if store.IsUnavailable(err) {
				return out, eris.Wrapf(err, "persist: update entity %d", id)
			}
			out.fieldError(f, eris.Wrapf(err, "persist: update %s", f))
			continue
		}
		out.Updated = append(out.Updated, f)
		if out.Applied == nil {
			out.Applied = make(map[model.Field]model.Provenance)
		}
		out.Applied[f] = one.Applied[f]
	}
	return out, nil
}

// merge decides each field against the stored entity and mutates e accordingly.
func (c *Coordinator) merge(e *model.Entity, best map[model.Field]model.ExtractionResult) ApplyOutcome {
	var out ApplyOutcome
	if e.Provenance == nil {
		e.Provenance = make(map[model.Field]model.Provenance)
	}
	anyVerified := false

	for _, f := range sortedFields(best) {
		r := best[f]
		cur, hasProv := e.Provenance[f]
		empty := !e.HasValue(f)

		if !empty && hasProv && !r.Supersedes(cur) {
			if sameValue(e, r) {
				out.Unchanged = append(out.Unchanged, f)
			} else {
				out.Skipped = append(out.Skipped, f)
			}
			continue
		}
		if !empty && !hasProv && !r.Verified {
			// Values without provenance were entered by hand; only verified data replaces them.
			if sameValue(e, r) {
				out.Unchanged = append(out.Unchanged, f)
			} else {
				out.Skipped = append(out.Skipped, f)
			}
			continue
		}

		if err := setValue(e, r); err != nil {
			out.fieldError(f, err)
			continue
		}
		p := r.Provenance()
		if p.SetAt.IsZero() {
			p.SetAt = c.now().UTC()
		}
		e.Provenance[f] = p
		out.Updated = append(out.Updated, f)
		if out.Applied == nil {
			out.Applied = make(map[model.Field]model.Provenance)
		}
		out.Applied[f] = p
		anyVerified = anyVerified || r.Verified
	}

	if anyVerified {
		t := c.now().UTC()
		e.VerifiedAt = &t
	}
	return out
}

// resolve keeps the strongest proposal per field: verified first, then confidence, then
// extractor id for a stable tie-break. Malformed proposals become field errors.
func resolve(results []model.ExtractionResult, out *ApplyOutcome) map[model.Field]model.ExtractionResult {
	best := make(map[model.Field]model.ExtractionResult)
	for _, r := range results {
		if err := validate(r); err != nil {
			out.fieldError(r.Field, err)
			continue
		}
		cur, ok := best[r.Field]
		if !ok || outranks(r, cur) {
			best[r.Field] = r
		}
	}
	return best
}

func outranks(a, b model.ExtractionResult) bool {
	if a.Verified != b.Verified {
		return a.Verified
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.ExtractorID < b.ExtractorID
}

func sortedFields(m map[model.Field]model.ExtractionResult) []model.Field {
	fields := make([]model.Field, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	slices.SortFunc(fields, func(a, b model.Field) int { return cmp.Compare(a, b) })
	return fields
}
