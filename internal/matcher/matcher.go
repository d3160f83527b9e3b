// Package matcher decides whether a provider candidate duplicates an existing directory
// entity, is genuinely new, or should be rejected.
package matcher

import (
	"regexp"
	"slices"
	"strings"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/taxonomy"
	"github.com/sells-group/directory-cli/internal/textnorm"
)

// Config tunes the matcher.
type Config struct {
	// TokenOverlap is the Jaccard similarity at which names alone count as a duplicate.
	TokenOverlap float64
	// ModerateOverlap is the similarity at which geo proximity breaks the tie.
	ModerateOverlap float64
	// GeoThresholdM is the distance under which two points are the same place.
	GeoThresholdM float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{TokenOverlap: 0.8, ModerateOverlap: 0.5, GeoThresholdM: 50}
}

// FromConfig converts the matcher section of the application config.
func FromConfig(c config.MatcherConfig) Config {
	cfg := DefaultConfig()
	if c.TokenOverlap > 0 {
		cfg.TokenOverlap = c.TokenOverlap
	}
	if c.GeoThresholdM > 0 {
		cfg.GeoThresholdM = c.GeoThresholdM
	}
	if cfg.ModerateOverlap > cfg.TokenOverlap {
		cfg.ModerateOverlap = cfg.TokenOverlap
	}
	return cfg
}

// LocalityContext is the store state a candidate is matched against: the target
// locality, its aliases and postcode outward codes, and the existing entities there.
type LocalityContext struct {
	Locality  string
	Aliases   []string
	Postcodes []string
	Existing  []model.EntityRef
}

// NewContext builds a context from a taxonomy locality entry and existing entities.
// Existing entities are sorted by ID so verdicts do not depend on query order.
func NewContext(loc taxonomy.Locality, existing []model.EntityRef) LocalityContext {
	sorted := slices.Clone(existing)
	slices.SortFunc(sorted, func(a, b model.EntityRef) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return LocalityContext{
		Locality:  loc.Name,
		Aliases:   loc.Aliases,
		Postcodes: loc.Postcodes,
		Existing:  sorted,
	}
}

// Add appends a newly created entity so later candidates in the same pass see it.
func (lc *LocalityContext) Add(ref model.EntityRef) {
	lc.Existing = append(lc.Existing, ref)
}

// Matcher is stateless and safe for concurrent use.
type Matcher struct {
	cfg Config
}

// New creates a Matcher.
func New(cfg Config) *Matcher {
	if cfg.TokenOverlap <= 0 {
		cfg.TokenOverlap = 0.8
	}
	if cfg.ModerateOverlap <= 0 {
		cfg.ModerateOverlap = 0.5
	}
	if cfg.GeoThresholdM <= 0 {
		cfg.GeoThresholdM = 50
	}
	return &Matcher{cfg: cfg}
}

// Match classifies a candidate. Rejections are checked in order: missing name, missing
// address, wrong locality. A candidate whose address does not name the locality is
// still a duplicate when it sits within GeoThresholdM of a similarly named entity.
func (m *Matcher) Match(c model.Candidate, lc LocalityContext) model.Verdict {
	name := textnorm.Name(c.Name)
	if name == "" {
		return model.Verdict{Kind: model.VerdictRejected, Reason: model.RejectInvalid}
	}
	if strings.TrimSpace(c.FormattedAddress) == "" {
		return model.Verdict{Kind: model.VerdictRejected, Reason: model.RejectNoAddress}
	}

	if !m.InLocality(c.FormattedAddress, lc) {
		if id, score, ok := m.geoDuplicate(name, c.Geo, lc.Existing); ok {
			return model.Verdict{Kind: model.VerdictDuplicate, ExistingID: id, Score: score}
		}
		return model.Verdict{Kind: model.VerdictRejected, Reason: model.RejectWrongLocality}
	}

	if id, score, ok := m.bestDuplicate(name, c.Geo, lc.Existing); ok {
		return model.Verdict{Kind: model.VerdictDuplicate, ExistingID: id, Score: score}
	}
	return model.Verdict{Kind: model.VerdictNew}
}

// MatchEntity reports whether a candidate is the same place as one specific entity,
// ignoring the locality filter. Used when enriching an entity found by name search.
func (m *Matcher) MatchEntity(c model.Candidate, e model.EntityRef) (float64, bool) {
	name := textnorm.Name(c.Name)
	if name == "" {
		return 0, false
	}
	_, score, ok := m.bestDuplicate(name, c.Geo, []model.EntityRef{e})
	return score, ok
}

func (m *Matcher) bestDuplicate(name string, geo *model.GeoPoint, existing []model.EntityRef) (int64, float64, bool) {
	var bestID int64
	var best float64
	for _, e := range existing {
		score := m.score(name, geo, e)
		// Strictly greater keeps the lowest ID on ties; existing is ID-sorted.
		if score > best {
			best = score
			bestID = e.ID
		}
	}
	return bestID, best, best > 0
}

func (m *Matcher) geoDuplicate(name string, geo *model.GeoPoint, existing []model.EntityRef) (int64, float64, bool) {
	if geo == nil {
		return 0, 0, false
	}
	var bestID int64
	var best float64
	for _, e := range existing {
		if !m.near(geo, e.Geo) {
			continue
		}
		j := jaccard(textnorm.Tokens(name), textnorm.Tokens(entityName(e)))
		if j >= m.cfg.ModerateOverlap && j > best {
			best = j
			bestID = e.ID
		}
	}
	return bestID, best, best > 0
}

// score returns a duplicate score in (0, 1], or 0 when e is not a duplicate.
func (m *Matcher) score(name string, geo *model.GeoPoint, e model.EntityRef) float64 {
	other := entityName(e)
	if other == "" {
		return 0
	}
	if name == other {
		return 1
	}

	a, b := textnorm.Tokens(name), textnorm.Tokens(other)
	if containsPhrase(name, a, other, b) {
		return 0.9
	}

	j := jaccard(a, b)
	if j >= m.cfg.TokenOverlap {
		return j
	}
	if j >= m.cfg.ModerateOverlap && m.near(geo, e.Geo) {
		return j
	}
	return 0
}

func (m *Matcher) near(a, b *model.GeoPoint) bool {
	if a == nil || b == nil {
		return false
	}
	return DistanceM(*a, *b) <= m.cfg.GeoThresholdM
}

func entityName(e model.EntityRef) string {
	if e.NormalizedName != "" {
		return e.NormalizedName
	}
	return textnorm.Name(e.Name)
}

// containsPhrase reports whether the shorter name appears as a whole-word run inside the
// longer one. Single-word names are too generic to count.
func containsPhrase(a string, at []string, b string, bt []string) bool {
	short, long := a, b
	shortTokens := at
	if len(at) > len(bt) {
		short, long = b, a
		shortTokens = bt
	}
	if len(shortTokens) < 2 {
		return false
	}
	return strings.Contains(" "+long+" ", " "+short+" ")
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var inter int
	for _, t := range b {
		if set[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

var postcodeRe = regexp.MustCompile(`\b([A-Z]{1,2}[0-9][A-Z0-9]?)\s*[0-9][A-Z]{2}\b`)

// InLocality reports whether an address names the locality (or an alias, with hyphen
// folding) or carries a postcode whose outward code belongs to the locality.
func (m *Matcher) InLocality(address string, lc LocalityContext) bool {
	addr := " " + textnorm.Place(address) + " "
	names := append([]string{lc.Locality}, lc.Aliases...)
	for _, n := range names {
		n = textnorm.Place(n)
		if n != "" && strings.Contains(addr, " "+n+" ") {
			return true
		}
	}
	if len(lc.Postcodes) == 0 {
		return false
	}
	for _, match := range postcodeRe.FindAllStringSubmatch(strings.ToUpper(address), -1) {
		for _, pc := range lc.Postcodes {
			if strings.EqualFold(match[1], pc) {
				return true
			}
		}
	}
	return false
}
