package model

import (
	"time"
	"unicode/utf8"
)

// Field names a single enrichable attribute of an Entity.
type Field string

const (
	FieldPrice       Field = "price"
	FieldSchedule    Field = "schedule"
	FieldCategory    Field = "category"
	FieldGeo         Field = "geo"
	FieldParking     Field = "parking"
	FieldNearbyStops Field = "nearby_stops"
)

// FieldGroup is a unit of enrichment work: a set of fields filled by one extractor.
type FieldGroup string

const (
	GroupPricing   FieldGroup = "pricing"
	GroupSchedule  FieldGroup = "schedule"
	GroupCategory  FieldGroup = "category"
	GroupTransport FieldGroup = "transport"
)

// AllGroups lists every field group in processing order.
var AllGroups = []FieldGroup{GroupCategory, GroupSchedule, GroupPricing, GroupTransport}

// Fields returns the fields belonging to g.
func (g FieldGroup) Fields() []Field {
	switch g {
	case GroupPricing:
		return []Field{FieldPrice}
	case GroupSchedule:
		return []Field{FieldSchedule}
	case GroupCategory:
		return []Field{FieldCategory}
	case GroupTransport:
		return []Field{FieldParking, FieldNearbyStops}
	default:
		return nil
	}
}

// Valid reports whether g is a known group.
func (g FieldGroup) Valid() bool {
	return len(g.Fields()) > 0
}

// ParseGroups converts names into field groups, defaulting to AllGroups when empty.
func ParseGroups(names []string) ([]FieldGroup, bool) {
	if len(names) == 0 {
		return AllGroups, true
	}
	out := make([]FieldGroup, 0, len(names))
	for _, n := range names {
		g := FieldGroup(n)
		if !g.Valid() {
			return nil, false
		}
		out = append(out, g)
	}
	return out, true
}

// Provenance records who set a field, how sure they were, and when.
type Provenance struct {
	ExtractorID string    `json:"extractor_id"`
	Confidence  float64   `json:"confidence"`
	Verified    bool      `json:"verified"`
	Excerpt     string    `json:"excerpt,omitempty"`
	SetAt       time.Time `json:"set_at"`
}

// ExtractionResult is an attribute proposal emitted by an extractor.
//
// Value has a fixed concrete type per field: string (price), Schedule (schedule),
// Category (category), GeoPoint (geo), Parking (parking), []Stop (nearby_stops).
type ExtractionResult struct {
	Field       Field     `json:"field"`
	Value       any       `json:"value"`
	ExtractorID string    `json:"extractor_id"`
	Confidence  float64   `json:"confidence"`
	Verified    bool      `json:"verified"`
	Excerpt     string    `json:"excerpt,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Provenance converts the proposal into the provenance stored alongside its value.
func (r ExtractionResult) Provenance() Provenance {
	return Provenance{
		ExtractorID: r.ExtractorID,
		Confidence:  r.Confidence,
		Verified:    r.Verified,
		Excerpt:     truncate(r.Excerpt, 240),
		SetAt:       r.ObservedAt,
	}
}

// Supersedes reports whether proposal r may replace a value set with provenance cur.
// A verified value is never replaced by an unverified one; otherwise a strictly higher
// confidence is required.
func (r ExtractionResult) Supersedes(cur Provenance) bool {
	if cur.Verified && !r.Verified {
		return false
	}
	if r.Verified && !cur.Verified {
		return true
	}
	return r.Confidence > cur.Confidence
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
