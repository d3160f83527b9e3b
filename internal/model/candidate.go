package model

// Candidate is an ephemeral, provider-sourced place record. It lives for one pipeline
// pass and is never persisted as-is.
type Candidate struct {
	PlaceID          string    `json:"place_id,omitempty"`
	Name             string    `json:"name"`
	FormattedAddress string    `json:"formatted_address,omitempty"`
	Geo              *GeoPoint `json:"geo,omitempty"`
	Rating           *float64  `json:"rating,omitempty"`
	Types            []string  `json:"types,omitempty"`
	PriceTier        string    `json:"price_tier,omitempty"`

	// Detail fields, populated by a details fetch.
	WeeklyHours []string `json:"weekly_hours,omitempty"`
	Website     string   `json:"website,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Editorial   string   `json:"editorial,omitempty"`
	Reviews     []string `json:"reviews,omitempty"`
}

// Merge fills empty fields of c from d, typically a details response for the same place.
func (c *Candidate) Merge(d *Candidate) {
	if d == nil {
		return
	}
	if c.PlaceID == "" {
		c.PlaceID = d.PlaceID
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.FormattedAddress == "" {
		c.FormattedAddress = d.FormattedAddress
	}
	if c.Geo == nil {
		c.Geo = d.Geo
	}
	if c.Rating == nil {
		c.Rating = d.Rating
	}
	if len(c.Types) == 0 {
		c.Types = d.Types
	}
	if c.PriceTier == "" {
		c.PriceTier = d.PriceTier
	}
	if len(c.WeeklyHours) == 0 {
		c.WeeklyHours = d.WeeklyHours
	}
	if c.Website == "" {
		c.Website = d.Website
	}
	if c.Phone == "" {
		c.Phone = d.Phone
	}
	if c.Editorial == "" {
		c.Editorial = d.Editorial
	}
	if len(c.Reviews) == 0 {
		c.Reviews = d.Reviews
	}
}

// VerdictKind is the outcome class of matching a candidate against the store.
type VerdictKind string

const (
	VerdictDuplicate VerdictKind = "duplicate"
	VerdictNew       VerdictKind = "new"
	VerdictRejected  VerdictKind = "rejected"
)

// Rejection reasons.
const (
	RejectInvalid       = "invalid"
	RejectNoAddress     = "no_address"
	RejectWrongLocality = "wrong_locality"
)

// Verdict is the Candidate Matcher's decision for one candidate.
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	ExistingID int64       `json:"existing_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Score      float64     `json:"score,omitempty"`
}
