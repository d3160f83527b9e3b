package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/directory-cli/internal/model"
)

func loadDefault(t *testing.T) *Taxonomy {
	t.Helper()
	tx, err := Default()
	require.NoError(t, err)
	return tx
}

func TestDefault_Parses(t *testing.T) {
	tx := loadDefault(t)
	assert.Equal(t, "Activities", tx.DefaultCategory.Main)
	assert.NotEmpty(t, tx.Categories)
	assert.NotEmpty(t, tx.Localities)
}

func TestMatchKeywords(t *testing.T) {
	tx := loadDefault(t)

	tests := []struct {
		text string
		want model.Category
		ok   bool
	}{
		{"Sunshine Swim School", model.Category{Main: "Swimming", Sub: "Learn to Swim"}, true},
		{"Water Babies Didsbury", model.Category{Main: "Swimming", Sub: "Baby Swimming"}, true},
		{"Swimming for everyone", model.Category{Main: "Swimming"}, true},
		{"Tiny Toes Baby Ballet", model.Category{Main: "Dance", Sub: "Ballet"}, true},
		{"Kids Karate Academy", model.Category{Main: "Sport", Sub: "Martial Arts"}, true},
		{"Multi-Sport Saturdays", model.Category{Main: "Sport"}, true},
		{"The Martial Arts Hub", model.Category{Main: "Sport", Sub: "Martial Arts"}, true},
		{"Happy Faces", model.Category{}, false},
		{"", model.Category{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			m, ok := tx.MatchKeywords(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, m.Category)
		})
	}
}

func TestMatchKeywords_WordStartOnly(t *testing.T) {
	tx := loadDefault(t)
	// "arts" must not match inside "smarts".
	_, ok := tx.MatchKeywords("Little Smarts")
	assert.False(t, ok)
}

func TestMatchTypes(t *testing.T) {
	tx := loadDefault(t)

	m, ok := tx.MatchTypes([]string{"point_of_interest", "swimming_pool"})
	require.True(t, ok)
	assert.Equal(t, "Swimming", m.Category.Main)

	_, ok = tx.MatchTypes([]string{"point_of_interest", "establishment"})
	assert.False(t, ok)
}

func TestMatchHeuristics(t *testing.T) {
	tx := loadDefault(t)

	m, ok := tx.MatchHeuristics("Toddler Time at the Library Hall")
	require.True(t, ok)
	assert.Equal(t, model.Category{Main: "Sensory & Play", Sub: "Baby & Toddler"}, m.Category)

	m, ok = tx.MatchHeuristics("Chorlton Running Club")
	require.True(t, ok)
	assert.Equal(t, "Clubs & Groups", m.Category.Sub)

	_, ok = tx.MatchHeuristics("Happy Faces")
	assert.False(t, ok)
}

func TestPhrases_MostSpecificFirst(t *testing.T) {
	tx := loadDefault(t)

	ps := tx.Phrases("Baby Swimming")
	require.NotEmpty(t, ps)
	assert.Equal(t, "baby swimming classes", ps[0])
	assert.Contains(t, ps, "swimming lessons")
	assert.Equal(t, "things to do with kids", ps[len(ps)-1])

	// No duplicates.
	seen := map[string]bool{}
	for _, p := range ps {
		assert.False(t, seen[p], "duplicate phrase %q", p)
		seen[p] = true
	}
}

func TestPhrases_UnknownCategory(t *testing.T) {
	tx := loadDefault(t)
	ps := tx.Phrases("Climbing")
	require.NotEmpty(t, ps)
	assert.Equal(t, "climbing", ps[0])
}

func TestFallbackSchedule(t *testing.T) {
	tx := loadDefault(t)
	assert.Equal(t, model.Schedule{Day: "Saturday", Time: "9:00 AM"}, tx.FallbackSchedule("Swimming"))
	assert.Equal(t, tx.DefaultSchedule, tx.FallbackSchedule("Unknown"))
}

func TestLocality_AliasAndHyphen(t *testing.T) {
	tx := loadDefault(t)

	assert.Equal(t, "Stoke-on-Trent", tx.Locality("stoke on trent").Name)
	assert.Equal(t, "Manchester", tx.Locality("Didsbury").Name)
	assert.Contains(t, tx.Locality("Manchester").Postcodes, "M20")

	unknown := tx.Locality("Leeds")
	assert.Equal(t, "Leeds", unknown.Name)
	assert.Empty(t, unknown.Aliases)
}

func TestLoad_FileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_category: {main: Other}
categories:
  - name: Climbing
    keywords: [climb, boulder]
    phrases: ["kids climbing"]
`), 0o644))

	tx, err := Load(path)
	require.NoError(t, err)
	m, ok := tx.MatchKeywords("Rock Climbing Wall")
	require.True(t, ok)
	assert.Equal(t, "Climbing", m.Category.Main)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`categories: [{name: A}]`))
	assert.ErrorContains(t, err, "default_category")

	_, err = Parse([]byte("default_category: {main: X}\ncategories: [{name: A}, {name: a}]"))
	assert.ErrorContains(t, err, "duplicate category")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
