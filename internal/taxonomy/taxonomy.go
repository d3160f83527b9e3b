// Package taxonomy loads the two-level category taxonomy and the locality table that
// drive query planning, categorization, fallback schedules, and locality filtering.
package taxonomy

import (
	_ "embed"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/textnorm"
)

//go:embed taxonomy.yaml
var defaultYAML []byte

// Taxonomy is the parsed taxonomy file.
type Taxonomy struct {
	DefaultCategory model.Category `yaml:"default_category"`
	DefaultSchedule model.Schedule `yaml:"default_schedule"`
	GenericPhrases  []string       `yaml:"generic_phrases"`
	Categories      []Category     `yaml:"categories"`
	Heuristics      []Heuristic    `yaml:"heuristics"`
	Localities      []Locality     `yaml:"localities"`

	keywordRes map[string]*regexp.Regexp
}

// Category is a main category with optional subcategories.
type Category struct {
	Name          string          `yaml:"name"`
	Keywords      []string        `yaml:"keywords"`
	Phrases       []string        `yaml:"phrases"`
	Types         []string        `yaml:"types"`
	Schedule      *model.Schedule `yaml:"schedule"`
	Subcategories []Subcategory   `yaml:"subcategories"`
}

// Subcategory is the second taxonomy level.
type Subcategory struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Phrases  []string `yaml:"phrases"`
}

// Heuristic maps coarse words (age groups, "club") to a category.
type Heuristic struct {
	Words    []string       `yaml:"words"`
	Category model.Category `yaml:"category"`
}

// Locality describes a place name, its aliases, and its postcode outward codes.
type Locality struct {
	Name      string   `yaml:"name"`
	Aliases   []string `yaml:"aliases"`
	Postcodes []string `yaml:"postcodes"`
}

// Match is a keyword hit.
type Match struct {
	Category model.Category
	Keyword  string
}

// Default returns the embedded taxonomy.
func Default() (*Taxonomy, error) {
	return Parse(defaultYAML)
}

// Load reads a taxonomy file, or the embedded default when path is empty.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates taxonomy YAML.
func Parse(data []byte) (*Taxonomy, error) {
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse")
	}
	if t.DefaultCategory.Main == "" {
		return nil, eris.New("taxonomy: default_category.main is required")
	}
	seen := make(map[string]bool, len(t.Categories))
	for _, c := range t.Categories {
		if c.Name == "" {
			return nil, eris.New("taxonomy: category with empty name")
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return nil, eris.Errorf("taxonomy: duplicate category %q", c.Name)
		}
		seen[key] = true
	}
	t.compile()
	return &t, nil
}

func (t *Taxonomy) compile() {
	t.keywordRes = make(map[string]*regexp.Regexp)
	add := func(kw string) {
		kw = textnorm.Place(kw)
		if kw == "" || t.keywordRes[kw] != nil {
			return
		}
		// Word-start anchored so "swim" matches "swimming" but not "twswim".
		t.keywordRes[kw] = regexp.MustCompile(`(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(kw))
	}
	for _, c := range t.Categories {
		for _, kw := range c.Keywords {
			add(kw)
		}
		for _, s := range c.Subcategories {
			for _, kw := range s.Keywords {
				add(kw)
			}
		}
	}
	for _, h := range t.Heuristics {
		for _, w := range h.Words {
			add(w)
		}
	}
}

func (t *Taxonomy) contains(text, kw string) bool {
	kw = textnorm.Place(kw)
	re := t.keywordRes[kw]
	if re == nil {
		return false
	}
	return re.MatchString(text)
}

// MatchKeywords walks categories in priority order. Within a category, subcategory
// keywords are tried first so the more specific assignment wins; then the main
// category's own keywords. The first hit is returned.
func (t *Taxonomy) MatchKeywords(text string) (Match, bool) {
	text = textnorm.Place(text)
	if text == "" {
		return Match{}, false
	}
	for _, c := range t.Categories {
		for _, s := range c.Subcategories {
			for _, kw := range s.Keywords {
				if t.contains(text, kw) {
					return Match{Category: model.Category{Main: c.Name, Sub: s.Name}, Keyword: kw}, true
				}
			}
		}
		for _, kw := range c.Keywords {
			if t.contains(text, kw) {
				return Match{Category: model.Category{Main: c.Name}, Keyword: kw}, true
			}
		}
	}
	return Match{}, false
}

// MatchTypes maps provider type tags to a category, in tag order.
func (t *Taxonomy) MatchTypes(types []string) (Match, bool) {
	for _, tag := range types {
		tag = strings.ToLower(strings.TrimSpace(tag))
		for _, c := range t.Categories {
			for _, ct := range c.Types {
				if tag == ct {
					return Match{Category: model.Category{Main: c.Name}, Keyword: tag}, true
				}
			}
		}
	}
	return Match{}, false
}

// MatchHeuristics applies the coarse word rules in order.
func (t *Taxonomy) MatchHeuristics(text string) (Match, bool) {
	text = textnorm.Place(text)
	for _, h := range t.Heuristics {
		for _, w := range h.Words {
			if t.contains(text, w) {
				return Match{Category: h.Category, Keyword: w}, true
			}
		}
	}
	return Match{}, false
}

// Find returns the category with the given name (case-insensitive), also searching
// subcategory names. For a subcategory hit the parent is returned with sub set.
func (t *Taxonomy) Find(name string) (*Category, *Subcategory, bool) {
	for i := range t.Categories {
		c := &t.Categories[i]
		if strings.EqualFold(c.Name, name) {
			return c, nil, true
		}
		for j := range c.Subcategories {
			if strings.EqualFold(c.Subcategories[j].Name, name) {
				return c, &c.Subcategories[j], true
			}
		}
	}
	return nil, nil, false
}

// Phrases returns query phrases for a category name, most specific first: the named
// subcategory's phrases (when name is a subcategory), the category's own phrases, the
// remaining subcategory phrases, then the generic phrases. Duplicates are dropped.
func (t *Taxonomy) Phrases(name string) []string {
	var out []string
	seen := make(map[string]bool)
	push := func(ps ...string) {
		for _, p := range ps {
			k := strings.ToLower(strings.TrimSpace(p))
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, strings.TrimSpace(p))
		}
	}

	c, sub, ok := t.Find(name)
	if ok {
		if sub != nil {
			push(sub.Phrases...)
		}
		push(c.Phrases...)
		for _, s := range c.Subcategories {
			push(s.Phrases...)
		}
	} else if name != "" {
		push(strings.ToLower(name))
	}
	push(t.GenericPhrases...)
	return out
}

// FallbackSchedule returns the canonical schedule for a main category, or the taxonomy
// default when the category has none.
func (t *Taxonomy) FallbackSchedule(main string) model.Schedule {
	if c, _, ok := t.Find(main); ok && c.Schedule != nil {
		return *c.Schedule
	}
	return t.DefaultSchedule
}

// Locality returns the locality entry for name, matching the name or any alias with
// hyphen folding. Unknown names yield an entry with just the name.
func (t *Taxonomy) Locality(name string) Locality {
	key := textnorm.Place(name)
	for _, l := range t.Localities {
		if textnorm.Place(l.Name) == key {
			return l
		}
		for _, a := range l.Aliases {
			if textnorm.Place(a) == key {
				return l
			}
		}
	}
	return Locality{Name: name}
}
