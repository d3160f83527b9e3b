package model

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractionResult_Supersedes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cur  Provenance
		next ExtractionResult
		want bool
	}{
		{"verified beats unverified", Provenance{Confidence: 0.9}, ExtractionResult{Confidence: 0.5, Verified: true}, true},
		{"unverified never beats verified", Provenance{Confidence: 0.1, Verified: true}, ExtractionResult{Confidence: 0.99}, false},
		{"higher confidence wins among verified", Provenance{Confidence: 0.6, Verified: true}, ExtractionResult{Confidence: 0.7, Verified: true}, true},
		{"equal confidence keeps existing", Provenance{Confidence: 0.7, Verified: true}, ExtractionResult{Confidence: 0.7, Verified: true}, false},
		{"lower confidence keeps existing", Provenance{Confidence: 0.3}, ExtractionResult{Confidence: 0.2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.next.Supersedes(tt.cur))
		})
	}
}

func TestExtractionResult_ProvenanceTruncatesExcerpt(t *testing.T) {
	t.Parallel()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := ExtractionResult{ExtractorID: "pricing.text", Confidence: 0.8, Verified: true, Excerpt: string(long), ObservedAt: at}.Provenance()

	assert.Len(t, p.Excerpt, 240)
	assert.Equal(t, "pricing.text", p.ExtractorID)
	assert.Equal(t, at, p.SetAt)
	assert.True(t, p.Verified)
}

func TestExtractionResult_ProvenanceKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	excerpt := strings.Repeat("a", 239) + "£8.50 per class"
	p := ExtractionResult{Excerpt: excerpt}.Provenance()

	assert.True(t, utf8.ValidString(p.Excerpt))
	assert.Equal(t, strings.Repeat("a", 239), p.Excerpt)
}

func TestIsPlaceholder(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPlaceholder(""))
	assert.True(t, IsPlaceholder("  Various Times "))
	assert.True(t, IsPlaceholder("TBC"))
	assert.False(t, IsPlaceholder("£8.50"))
	assert.NotContains(t, Placeholders(), "")
}

func TestEntity_HasValue(t *testing.T) {
	t.Parallel()

	price := "£5"
	pending := "contact for price"
	e := &Entity{
		Price:    &price,
		Schedule: &Schedule{Day: "various", Time: "10:00 AM"},
		Category: "Swimming",
	}
	assert.True(t, e.HasValue(FieldPrice))
	assert.False(t, e.HasValue(FieldSchedule))
	assert.True(t, e.HasValue(FieldCategory))
	assert.False(t, e.HasValue(FieldParking))
	assert.False(t, e.HasValue(FieldNearbyStops))

	e.Price = &pending
	assert.False(t, e.HasValue(FieldPrice))

	e.NearbyStops = []Stop{}
	assert.True(t, e.HasValue(FieldNearbyStops))
}

func TestParseGroups(t *testing.T) {
	t.Parallel()

	groups, ok := ParseGroups(nil)
	assert.True(t, ok)
	assert.Equal(t, AllGroups, groups)

	groups, ok = ParseGroups([]string{"pricing", "transport"})
	assert.True(t, ok)
	assert.Equal(t, []FieldGroup{GroupPricing, GroupTransport}, groups)

	_, ok = ParseGroups([]string{"bogus"})
	assert.False(t, ok)

	assert.Equal(t, []Field{FieldParking, FieldNearbyStops}, GroupTransport.Fields())
}
