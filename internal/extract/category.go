package extract

import (
	"strings"

	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/taxonomy"
)

// categoryText is the text classified: the name first, then the provider's editorial.
func categoryText(in Input) string {
	parts := []string{in.Name()}
	if in.Candidate != nil {
		if in.Candidate.Name != "" && in.Candidate.Name != in.Entity.Name {
			parts = append(parts, in.Candidate.Name)
		}
		parts = append(parts, in.Candidate.Editorial)
	}
	return strings.Join(parts, " ")
}

// taxonomyCategory matches taxonomy keywords against the name and description.
type taxonomyCategory struct{ tax *taxonomy.Taxonomy }

func (taxonomyCategory) Name() string { return "category.taxonomy" }

func (s taxonomyCategory) Extract(in Input) (*model.ExtractionResult, bool) {
	m, ok := s.tax.MatchKeywords(categoryText(in))
	if !ok {
		return nil, false
	}
	return result(model.FieldCategory, m.Category, s.Name(), 0.75, true, "keyword "+m.Keyword, in.Now), true
}

// typeTagCategory maps the provider's place type tags.
type typeTagCategory struct{ tax *taxonomy.Taxonomy }

func (typeTagCategory) Name() string { return "category.type_tags" }

func (s typeTagCategory) Extract(in Input) (*model.ExtractionResult, bool) {
	if in.Candidate == nil || len(in.Candidate.Types) == 0 {
		return nil, false
	}
	m, ok := s.tax.MatchTypes(in.Candidate.Types)
	if !ok {
		return nil, false
	}
	return result(model.FieldCategory, m.Category, s.Name(), 0.6, true, "type "+m.Keyword, in.Now), true
}

// heuristicCategory applies coarse word rules ("baby", "club"). Unverified.
type heuristicCategory struct{ tax *taxonomy.Taxonomy }

func (heuristicCategory) Name() string { return "category.heuristic" }

func (s heuristicCategory) Extract(in Input) (*model.ExtractionResult, bool) {
	m, ok := s.tax.MatchHeuristics(categoryText(in))
	if !ok {
		return nil, false
	}
	return result(model.FieldCategory, m.Category, s.Name(), 0.4, false, "word "+m.Keyword, in.Now), true
}

// defaultCategory always answers with the taxonomy default so the field stops being empty.
type defaultCategory struct{ tax *taxonomy.Taxonomy }

func (defaultCategory) Name() string { return "category.default" }

func (s defaultCategory) Extract(in Input) (*model.ExtractionResult, bool) {
	return result(model.FieldCategory, s.tax.DefaultCategory, s.Name(), 0.2, false, "", in.Now), true
}

// CategoryChain returns the category strategies in fallback order.
func CategoryChain(tax *taxonomy.Taxonomy) Chain {
	return Chain{taxonomyCategory{tax}, typeTagCategory{tax}, heuristicCategory{tax}, defaultCategory{tax}}
}

// NewCategoryExtractor returns the category group extractor.
func NewCategoryExtractor(tax *taxonomy.Taxonomy) *ChainExtractor {
	return NewChainExtractor("category", model.GroupCategory, CategoryChain(tax))
}
