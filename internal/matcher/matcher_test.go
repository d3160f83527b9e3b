package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/taxonomy"
)

func manchester(existing ...model.EntityRef) LocalityContext {
	return NewContext(taxonomy.Locality{
		Name:      "Manchester",
		Aliases:   []string{"didsbury", "chorlton"},
		Postcodes: []string{"M20", "M21"},
	}, existing)
}

func TestMatch_DuplicateOfExistingEntity(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester(model.EntityRef{ID: 7, Name: "sunshine swim school", Locality: "Manchester"})

	v := m.Match(model.Candidate{
		Name:             "Sunshine Swim School",
		FormattedAddress: "12 Pool Rd, Didsbury, Manchester, M20 2AB",
	}, lc)

	assert.Equal(t, model.VerdictDuplicate, v.Kind)
	assert.Equal(t, int64(7), v.ExistingID)
	assert.InDelta(t, 1.0, v.Score, 0.0001)
}

func TestMatch_RejectionOrder(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester()

	tests := []struct {
		name string
		c    model.Candidate
		want string
	}{
		{"missing name", model.Candidate{FormattedAddress: "1 High St, Manchester"}, model.RejectInvalid},
		{"punctuation-only name", model.Candidate{Name: " -- ", FormattedAddress: "1 High St, Manchester"}, model.RejectInvalid},
		{"missing name and address", model.Candidate{}, model.RejectInvalid},
		{"missing address", model.Candidate{Name: "Tiny Toes"}, model.RejectNoAddress},
		{"wrong locality", model.Candidate{Name: "Tiny Toes", FormattedAddress: "3 Park Ln, Leeds LS1 4AB"}, model.RejectWrongLocality},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := m.Match(tt.c, lc)
			assert.Equal(t, model.VerdictRejected, v.Kind)
			assert.Equal(t, tt.want, v.Reason)
		})
	}
}

func TestMatch_LocalityByAliasOrPostcode(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester()

	v := m.Match(model.Candidate{Name: "Tiny Toes", FormattedAddress: "5 Beech Rd, Chorlton"}, lc)
	assert.Equal(t, model.VerdictNew, v.Kind)

	v = m.Match(model.Candidate{Name: "Tiny Toes", FormattedAddress: "5 Beech Rd, M21 9EG"}, lc)
	assert.Equal(t, model.VerdictNew, v.Kind)

	// "Manchesterford" must not pass as Manchester.
	v = m.Match(model.Candidate{Name: "Tiny Toes", FormattedAddress: "5 Beech Rd, Manchesterford"}, lc)
	assert.Equal(t, model.VerdictRejected, v.Kind)
}

func TestMatch_HyphenatedLocality(t *testing.T) {
	m := New(DefaultConfig())
	lc := NewContext(taxonomy.Locality{Name: "Stoke-on-Trent"}, nil)

	v := m.Match(model.Candidate{Name: "Little Kickers", FormattedAddress: "Hanley Park, Stoke on Trent ST1 3AA"}, lc)
	assert.Equal(t, model.VerdictNew, v.Kind)
}

func TestMatch_ContainmentAndOverlap(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester(
		model.EntityRef{ID: 1, Name: "Water Babies"},
		model.EntityRef{ID: 2, Name: "Jo Jingles Music Classes Didsbury"},
	)

	v := m.Match(model.Candidate{Name: "Water Babies Manchester South", FormattedAddress: "Didsbury, Manchester"}, lc)
	assert.Equal(t, model.VerdictDuplicate, v.Kind)
	assert.Equal(t, int64(1), v.ExistingID)

	v = m.Match(model.Candidate{Name: "Jo Jingles Music Class Didsbury", FormattedAddress: "Didsbury, Manchester"}, lc)
	// 4 of 6 distinct tokens overlap: below 0.8 and no geo, so new.
	assert.Equal(t, model.VerdictNew, v.Kind)
}

func TestMatch_SingleTokenContainmentIgnored(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester(model.EntityRef{ID: 1, Name: "Ballet"})

	v := m.Match(model.Candidate{Name: "Northern Ballet School", FormattedAddress: "Manchester"}, lc)
	assert.Equal(t, model.VerdictNew, v.Kind)
}

func TestMatch_GeoProximityBreaksTie(t *testing.T) {
	m := New(DefaultConfig())
	here := &model.GeoPoint{Lat: 53.4150, Lon: -2.2300}
	nearby := &model.GeoPoint{Lat: 53.4152, Lon: -2.2301} // ~23 m
	far := &model.GeoPoint{Lat: 53.4300, Lon: -2.2300}   // ~1.7 km

	lc := manchester(model.EntityRef{ID: 3, Name: "Little Movers Dance Studio", Geo: here})

	// Jaccard 3/5 = 0.6: moderate, so geo decides.
	c := model.Candidate{Name: "Little Movers Dance Club", FormattedAddress: "Didsbury, Manchester", Geo: nearby}
	v := m.Match(c, lc)
	assert.Equal(t, model.VerdictDuplicate, v.Kind)
	assert.Equal(t, int64(3), v.ExistingID)

	c.Geo = far
	assert.Equal(t, model.VerdictNew, m.Match(c, lc).Kind)

	// Ambiguous locality text is rescued by proximity.
	c.Geo = nearby
	c.FormattedAddress = "Unit 4, Riverside Mill"
	v = m.Match(c, lc)
	assert.Equal(t, model.VerdictDuplicate, v.Kind)
}

func TestMatch_TiesGoToLowestID(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester(
		model.EntityRef{ID: 9, Name: "Rainbow Rhymes"},
		model.EntityRef{ID: 4, Name: "Rainbow Rhymes"},
	)

	v := m.Match(model.Candidate{Name: "Rainbow Rhymes", FormattedAddress: "Manchester"}, lc)
	assert.Equal(t, int64(4), v.ExistingID)
}

func TestMatch_DeterministicAndIdempotent(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester(model.EntityRef{ID: 1, Name: "Sunshine Swim School"})
	c := model.Candidate{Name: "Sunshine Swim School Ltd", FormattedAddress: "Didsbury, Manchester"}

	first := m.Match(c, lc)
	for range 10 {
		assert.Equal(t, first, m.Match(c, lc))
	}
}

func TestMatch_AddMakesLaterCandidateDuplicate(t *testing.T) {
	m := New(DefaultConfig())
	lc := manchester()
	c := model.Candidate{Name: "Tumble Tots", FormattedAddress: "Didsbury, Manchester"}

	require.Equal(t, model.VerdictNew, m.Match(c, lc).Kind)
	lc.Add(model.EntityRef{ID: 11, Name: "Tumble Tots"})
	assert.Equal(t, model.VerdictDuplicate, m.Match(c, lc).Kind)
}

func TestMatchEntity(t *testing.T) {
	m := New(DefaultConfig())
	score, ok := m.MatchEntity(model.Candidate{Name: "Sunshine Swim School"}, model.EntityRef{ID: 1, Name: "sunshine swim school"})
	assert.True(t, ok)
	assert.InDelta(t, 1.0, score, 0.0001)

	_, ok = m.MatchEntity(model.Candidate{Name: "Rival Swim Co"}, model.EntityRef{ID: 1, Name: "sunshine swim school"})
	assert.False(t, ok)
}

func TestDistanceM(t *testing.T) {
	a := model.GeoPoint{Lat: 53.4808, Lon: -2.2426} // Manchester
	b := model.GeoPoint{Lat: 53.4084, Lon: -2.1493} // Stockport
	assert.InDelta(t, 10000, DistanceM(a, b), 600)
	assert.InDelta(t, 0, DistanceM(a, a), 0.001)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.MatcherConfig{GeoThresholdM: 30, TokenOverlap: 0.4})
	assert.InDelta(t, 30.0, cfg.GeoThresholdM, 0.001)
	assert.InDelta(t, 0.4, cfg.TokenOverlap, 0.001)
	assert.LessOrEqual(t, cfg.ModerateOverlap, cfg.TokenOverlap)
}
