package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/directory-cli/internal/matcher"
	"github.com/sells-group/directory-cli/internal/model"
)

// Amenity is a class of nearby place searched for around an entity.
type Amenity struct {
	Name  string
	Types []string
}

// Standard amenity searches.
var (
	AmenityParking = Amenity{Name: "parking", Types: []string{"parking"}}
	AmenityTransit = Amenity{Name: "transit", Types: []string{
		"bus_station", "bus_stop", "train_station", "subway_station", "light_rail_station", "transit_station",
	}}
)

// NearbyFinder searches for amenities around a point.
type NearbyFinder interface {
	Nearby(ctx context.Context, center model.GeoPoint, radiusM float64, types []string) ([]model.Candidate, error)
}

const (
	defaultRadiusM  = 500
	keepPerAmenity  = 2
	transportConfid = 0.8
)

// TransportExtractor proposes parking and nearby-stop values from amenity searches.
// When the entity has no stored point it also proposes the provider's, and searches
// around that.
type TransportExtractor struct {
	finder  NearbyFinder
	radiusM float64
	geo     providerGeo
}

// NewTransportExtractor creates a TransportExtractor. radiusM <= 0 uses 500 m.
func NewTransportExtractor(finder NearbyFinder, radiusM float64) *TransportExtractor {
	if radiusM <= 0 {
		radiusM = defaultRadiusM
	}
	return &TransportExtractor{finder: finder, radiusM: radiusM}
}

// ID implements Extractor.
func (e *TransportExtractor) ID() string { return "transport" }

// Group implements Extractor.
func (e *TransportExtractor) Group() model.FieldGroup { return model.GroupTransport }

// Extract implements Extractor. Empty searches produce no proposal, so the fields stay
// pending rather than recording "no parking".
func (e *TransportExtractor) Extract(ctx context.Context, in Input) ([]model.ExtractionResult, error) {
	var out []model.ExtractionResult

	center := in.Entity.Geo
	if center == nil {
		r, ok := e.geo.Extract(in)
		if !ok {
			return nil, nil
		}
		out = append(out, *r)
		p := r.Value.(model.GeoPoint)
		center = &p
	}

	parking, err := e.nearest(ctx, *center, AmenityParking)
	if err != nil {
		return nil, err
	}
	if len(parking) > 0 {
		notes := make([]string, len(parking))
		for i, s := range parking {
			notes[i] = fmt.Sprintf("%s (%.0f m)", s.Name, s.DistanceM)
		}
		val := model.Parking{Available: true, Notes: "Parking nearby: " + strings.Join(notes, ", ")}
		out = append(out, *result(model.FieldParking, val, "transport.parking", transportConfid, true, val.Notes, in.Now))
	}

	stops, err := e.nearest(ctx, *center, AmenityTransit)
	if err != nil {
		return nil, err
	}
	if len(stops) > 0 {
		names := make([]string, len(stops))
		for i, s := range stops {
			names[i] = s.Name
		}
		out = append(out, *result(model.FieldNearbyStops, stops, "transport.transit", transportConfid, true, strings.Join(names, ", "), in.Now))
	}
	return out, nil
}

// nearest runs one amenity search and keeps the closest named results.
func (e *TransportExtractor) nearest(ctx context.Context, center model.GeoPoint, a Amenity) ([]model.Stop, error) {
	found, err := e.finder.Nearby(ctx, center, e.radiusM, a.Types)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: nearby %s", a.Name)
	}
	stops := make([]model.Stop, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, c := range found {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Geo == nil || seen[name] {
			continue
		}
		d := matcher.DistanceM(center, *c.Geo)
		if d > e.radiusM {
			continue
		}
		seen[name] = true
		stops = append(stops, model.Stop{Name: name, DistanceM: d})
	}
	sort.SliceStable(stops, func(i, j int) bool {
		if stops[i].DistanceM != stops[j].DistanceM {
			return stops[i].DistanceM < stops[j].DistanceM
		}
		return stops[i].Name < stops[j].Name
	})
	if len(stops) > keepPerAmenity {
		stops = stops[:keepPerAmenity]
	}
	return stops, nil
}
