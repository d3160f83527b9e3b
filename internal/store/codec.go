package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/directory-cli/internal/model"
)

// entityColumns is the select list shared by both backends. Timestamp columns come last
// because their scan targets differ per driver.
const entityColumns = `id, name, normalized_name, locality, category, subcategory, price,
	schedule_day, schedule_time, lat, lon, parking, nearby_stops, place_id, website, phone,
	active, provenance, version, verified_at, created_at, updated_at`

// entityRow holds the driver-neutral scan targets of entityColumns, minus timestamps.
type entityRow struct {
	ID             int64
	Name           string
	NormalizedName string
	Locality       string
	Category       string
	Subcategory    string
	Price          *string
	ScheduleDay    *string
	ScheduleTime   *string
	Lat            *float64
	Lon            *float64
	Parking        *string
	NearbyStops    *string
	PlaceID        *string
	Website        string
	Phone          string
	Active         bool
	Provenance     string
	Version        int64
}

func (r *entityRow) dests() []any {
	return []any{
		&r.ID, &r.Name, &r.NormalizedName, &r.Locality, &r.Category, &r.Subcategory, &r.Price,
		&r.ScheduleDay, &r.ScheduleTime, &r.Lat, &r.Lon, &r.Parking, &r.NearbyStops, &r.PlaceID,
		&r.Website, &r.Phone, &r.Active, &r.Provenance, &r.Version,
	}
}

func (r *entityRow) entity() (*model.Entity, error) {
	e := &model.Entity{
		ID:             r.ID,
		Name:           r.Name,
		NormalizedName: r.NormalizedName,
		Locality:       r.Locality,
		Category:       r.Category,
		Subcategory:    r.Subcategory,
		Price:          r.Price,
		Website:        r.Website,
		Phone:          r.Phone,
		Active:         r.Active,
		Version:        r.Version,
	}
	if r.PlaceID != nil {
		e.PlaceID = *r.PlaceID
	}
	if r.ScheduleDay != nil || r.ScheduleTime != nil {
		e.Schedule = &model.Schedule{Day: deref(r.ScheduleDay), Time: deref(r.ScheduleTime)}
	}
	if r.Lat != nil && r.Lon != nil {
		e.Geo = &model.GeoPoint{Lat: *r.Lat, Lon: *r.Lon}
	}
	if r.Parking != nil {
		var p model.Parking
		if err := json.Unmarshal([]byte(*r.Parking), &p); err != nil {
			return nil, eris.Wrapf(err, "store: decode parking for entity %d", r.ID)
		}
		e.Parking = &p
	}
	if r.NearbyStops != nil {
		stops := []model.Stop{}
		if err := json.Unmarshal([]byte(*r.NearbyStops), &stops); err != nil {
			return nil, eris.Wrapf(err, "store: decode nearby_stops for entity %d", r.ID)
		}
		e.NearbyStops = stops
	}
	if strings.TrimSpace(r.Provenance) != "" {
		if err := json.Unmarshal([]byte(r.Provenance), &e.Provenance); err != nil {
			return nil, eris.Wrapf(err, "store: decode provenance for entity %d", r.ID)
		}
	}
	if e.Provenance == nil {
		e.Provenance = make(map[model.Field]model.Provenance)
	}
	return e, nil
}

// enrichArgs are the values of the enrichable columns, in updateColumns order.
type enrichArgs struct {
	Category     string
	Subcategory  string
	Price        *string
	ScheduleDay  *string
	ScheduleTime *string
	Lat          *float64
	Lon          *float64
	Parking      *string
	NearbyStops  *string
	Provenance   string
}

func encodeEnrich(e *model.Entity) (enrichArgs, error) {
	a := enrichArgs{Category: e.Category, Subcategory: e.Subcategory, Price: e.Price}
	if e.Schedule != nil {
		a.ScheduleDay = &e.Schedule.Day
		a.ScheduleTime = &e.Schedule.Time
	}
	if e.Geo != nil {
		a.Lat = &e.Geo.Lat
		a.Lon = &e.Geo.Lon
	}
	if e.Parking != nil {
		b, err := json.Marshal(e.Parking)
		if err != nil {
			return a, eris.Wrap(err, "store: encode parking")
		}
		s := string(b)
		a.Parking = &s
	}
	if e.NearbyStops != nil {
		b, err := json.Marshal(e.NearbyStops)
		if err != nil {
			return a, eris.Wrap(err, "store: encode nearby_stops")
		}
		s := string(b)
		a.NearbyStops = &s
	}
	prov := e.Provenance
	if prov == nil {
		prov = map[model.Field]model.Provenance{}
	}
	b, err := json.Marshal(prov)
	if err != nil {
		return a, eris.Wrap(err, "store: encode provenance")
	}
	a.Provenance = string(b)
	return a, nil
}

func (a enrichArgs) values() []any {
	return []any{
		a.Category, a.Subcategory, a.Price, a.ScheduleDay, a.ScheduleTime,
		a.Lat, a.Lon, a.Parking, a.NearbyStops, a.Provenance,
	}
}

// updateColumns are written by UpdateEntity, in enrichArgs.values order.
var updateColumns = []string{
	"category", "subcategory", "price", "schedule_day", "schedule_time",
	"lat", "lon", "parking", "nearby_stops", "provenance",
}

func encodeGroups(groups []model.FieldGroup) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = string(g)
	}
	return strings.Join(parts, ",")
}

func decodeGroups(s string) []model.FieldGroup {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.FieldGroup, len(parts))
	for i, p := range parts {
		out[i] = model.FieldGroup(p)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// tsLayout is fixed-width so SQLite text timestamps compare correctly as strings.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse timestamp %q", s)
	}
	return t, nil
}
