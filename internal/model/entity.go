// Package model defines the directory entity, provider candidate, and attribute proposal types
// shared by the enrichment pipeline.
package model

import (
	"strings"
	"time"
)

// Entity is the canonical, persisted directory record (a local activity or business listing).
type Entity struct {
	ID             int64  `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	NormalizedName string `json:"normalized_name" db:"normalized_name"`
	Locality       string `json:"locality" db:"locality"`

	Category    string     `json:"category,omitempty" db:"category"`
	Subcategory string     `json:"subcategory,omitempty" db:"subcategory"`
	Price       *string    `json:"price,omitempty" db:"price"`
	Schedule    *Schedule  `json:"schedule,omitempty"`
	Geo         *GeoPoint  `json:"geo,omitempty"`
	Parking     *Parking   `json:"parking,omitempty"`
	NearbyStops []Stop     `json:"nearby_stops,omitempty"` // nil = no data yet
	PlaceID     string     `json:"place_id,omitempty" db:"place_id"`
	Website     string     `json:"website,omitempty" db:"website"`
	Phone       string     `json:"phone,omitempty" db:"phone"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	Active      bool       `json:"active" db:"active"`

	Provenance map[Field]Provenance `json:"provenance,omitempty"`
	Version    int64                `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Schedule is a single recurring day-of-week and time slot.
type Schedule struct {
	Day  string `json:"day"`
	Time string `json:"time"`
}

// String renders the schedule as "Wednesday 9:30 AM".
func (s Schedule) String() string {
	return strings.TrimSpace(s.Day + " " + s.Time)
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Parking describes parking near an entity. A nil *Parking means no data.
type Parking struct {
	Available bool   `json:"available"`
	Notes     string `json:"notes,omitempty"`
}

// Stop is a nearby public transport stop.
type Stop struct {
	Name      string  `json:"name"`
	DistanceM float64 `json:"distance_m"`
}

// Category is a two-level taxonomy assignment.
type Category struct {
	Main string `json:"main"`
	Sub  string `json:"sub,omitempty"`
}

// EntityRef is the minimal identity of an existing entity used for matching.
type EntityRef struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Locality       string    `json:"locality"`
	Geo            *GeoPoint `json:"geo,omitempty"`
}

// Ref returns the matching identity of e.
func (e *Entity) Ref() EntityRef {
	return EntityRef{
		ID:             e.ID,
		Name:           e.Name,
		NormalizedName: e.NormalizedName,
		Locality:       e.Locality,
		Geo:            e.Geo,
	}
}

// HasValue reports whether field f holds a non-placeholder value.
func (e *Entity) HasValue(f Field) bool {
	switch f {
	case FieldPrice:
		return e.Price != nil && !IsPlaceholder(*e.Price)
	case FieldSchedule:
		return e.Schedule != nil && !IsPlaceholder(e.Schedule.Day) && !IsPlaceholder(e.Schedule.Time)
	case FieldCategory:
		return !IsPlaceholder(e.Category)
	case FieldGeo:
		return e.Geo != nil
	case FieldParking:
		return e.Parking != nil
	case FieldNearbyStops:
		return e.NearbyStops != nil
	default:
		return false
	}
}

// placeholders are stored values that mean "still pending enrichment".
var placeholders = map[string]bool{
	"":                  true,
	"various times":     true,
	"various":           true,
	"varies":            true,
	"tbc":               true,
	"tba":               true,
	"n/a":               true,
	"unknown":           true,
	"contact for price": true,
	"contact for times": true,
	"see website":       true,
}

// Placeholders returns the lowercase placeholder strings, for use in store queries.
func Placeholders() []string {
	out := make([]string, 0, len(placeholders))
	for p := range placeholders {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsPlaceholder reports whether a stored text value should be treated as absent.
func IsPlaceholder(v string) bool {
	return placeholders[strings.ToLower(strings.TrimSpace(v))]
}
