// Package extract holds the attribute extractors. Each extractor is an ordered chain of
// named strategies over the same input; the first strategy that produces a proposal wins.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/taxonomy"
)

// Input is everything an extractor may read for one entity in one pass.
type Input struct {
	Entity model.Entity
	// Candidate is the provider record merged with its details, nil when no match.
	Candidate *model.Candidate
	// PageText is the entity website's main text, empty when not fetched.
	PageText string
	// Now stamps proposals so identical inputs yield identical results.
	Now time.Time
}

// ProviderText returns the candidate's editorial summary and reviews as separate
// documents.
func (in Input) ProviderText() []string {
	if in.Candidate == nil {
		return nil
	}
	var docs []string
	if s := strings.TrimSpace(in.Candidate.Editorial); s != "" {
		docs = append(docs, s)
	}
	for _, r := range in.Candidate.Reviews {
		if s := strings.TrimSpace(r); s != "" {
			docs = append(docs, s)
		}
	}
	return docs
}

// Name returns the best available display name.
func (in Input) Name() string {
	if in.Entity.Name != "" {
		return in.Entity.Name
	}
	if in.Candidate != nil {
		return in.Candidate.Name
	}
	return ""
}

// Geo returns the entity's stored point, falling back to the candidate's.
func (in Input) Geo() *model.GeoPoint {
	if in.Entity.Geo != nil {
		return in.Entity.Geo
	}
	if in.Candidate != nil {
		return in.Candidate.Geo
	}
	return nil
}

// Strategy is one named way of deriving a proposal.
type Strategy interface {
	Name() string
	Extract(in Input) (*model.ExtractionResult, bool)
}

// Chain tries strategies in order and returns the first proposal.
type Chain []Strategy

// Extract runs the chain.
func (c Chain) Extract(in Input) (*model.ExtractionResult, bool) {
	for _, s := range c {
		if r, ok := s.Extract(in); ok && r != nil {
			return r, true
		}
	}
	return nil, false
}

// Names lists the strategy names in order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.Name()
	}
	return out
}

// Extractor produces proposals for one field group.
type Extractor interface {
	ID() string
	Group() model.FieldGroup
	Extract(ctx context.Context, in Input) ([]model.ExtractionResult, error)
}

// ChainExtractor adapts a pure Chain to the Extractor interface.
type ChainExtractor struct {
	id    string
	group model.FieldGroup
	chain Chain
}

// NewChainExtractor creates a ChainExtractor.
func NewChainExtractor(id string, group model.FieldGroup, chain Chain) *ChainExtractor {
	return &ChainExtractor{id: id, group: group, chain: chain}
}

// ID implements Extractor.
func (e *ChainExtractor) ID() string { return e.id }

// Group implements Extractor.
func (e *ChainExtractor) Group() model.FieldGroup { return e.group }

// Chain exposes the strategies for inspection.
func (e *ChainExtractor) Chain() Chain { return e.chain }

// Extract implements Extractor.
func (e *ChainExtractor) Extract(_ context.Context, in Input) ([]model.ExtractionResult, error) {
	r, ok := e.chain.Extract(in)
	if !ok {
		return nil, nil
	}
	return []model.ExtractionResult{*r}, nil
}

// Set maps field groups to their extractors.
type Set map[model.FieldGroup]Extractor

// For returns the extractors for groups, in the order given, skipping unknown groups.
func (s Set) For(groups []model.FieldGroup) []Extractor {
	out := make([]Extractor, 0, len(groups))
	for _, g := range groups {
		if e, ok := s[g]; ok {
			out = append(out, e)
		}
	}
	return out
}

func result(field model.Field, value any, id string, conf float64, verified bool, excerpt string, now time.Time) *model.ExtractionResult {
	if conf > 0.95 {
		conf = 0.95
	}
	return &model.ExtractionResult{
		Field:       field,
		Value:       value,
		ExtractorID: id,
		Confidence:  conf,
		Verified:    verified,
		Excerpt:     strings.TrimSpace(excerpt),
		ObservedAt:  now,
	}
}

// Deps are the collaborators the standard extractor set needs.
type Deps struct {
	Pricing  PricingConfig
	Taxonomy *taxonomy.Taxonomy
	Nearby   NearbyFinder
	RadiusM  float64
}

// NewSet builds the standard extractor for every field group. Category is omitted
// without a taxonomy and transport without a NearbyFinder.
func NewSet(d Deps) Set {
	s := Set{
		model.GroupPricing: NewPricingExtractor(d.Pricing),
	}
	if d.Taxonomy != nil {
		s[model.GroupSchedule] = NewScheduleExtractor(d.Taxonomy)
		s[model.GroupCategory] = NewCategoryExtractor(d.Taxonomy)
	} else {
		s[model.GroupSchedule] = NewScheduleExtractor(nil)
	}
	if d.Nearby != nil {
		s[model.GroupTransport] = NewTransportExtractor(d.Nearby, d.RadiusM)
	}
	return s
}
