package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/directory-cli/internal/model"
)

type fakeFinder struct {
	byType map[string][]model.Candidate
	err    error
	calls  []model.GeoPoint
}

func (f *fakeFinder) Nearby(_ context.Context, center model.GeoPoint, _ float64, types []string) ([]model.Candidate, error) {
	f.calls = append(f.calls, center)
	if f.err != nil {
		return nil, f.err
	}
	return f.byType[types[0]], nil
}

var venue = model.GeoPoint{Lat: 53.4150, Lon: -2.2300}

func place(name string, dLat float64) model.Candidate {
	return model.Candidate{Name: name, Geo: &model.GeoPoint{Lat: venue.Lat + dLat, Lon: venue.Lon}}
}

func TestTransport_NoResultsLeavesFieldsPending(t *testing.T) {
	f := &fakeFinder{}
	e := NewTransportExtractor(f, 500)

	out, err := e.Extract(context.Background(), Input{Entity: model.Entity{ID: 1, Geo: &venue}, Now: fixedNow})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Len(t, f.calls, 2)
}

func TestTransport_NearestTwoPerAmenity(t *testing.T) {
	f := &fakeFinder{byType: map[string][]model.Candidate{
		"parking": {
			place("Far Car Park", 0.0040),      // ~445 m
			place("Pool Rd Car Park", 0.0005),  // ~56 m
			place("Leisure Centre P1", 0.0010), // ~111 m
			place("Out Of Range", 0.0100),      // ~1.1 km
		},
		"bus_station": {
			place("Didsbury Village (Stop B)", 0.0020),
			{Name: "No Location"},
		},
	}}
	e := NewTransportExtractor(f, 500)

	out, err := e.Extract(context.Background(), Input{Entity: model.Entity{ID: 1, Geo: &venue}, Now: fixedNow})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, model.FieldParking, out[0].Field)
	p := out[0].Value.(model.Parking)
	assert.True(t, p.Available)
	assert.Contains(t, p.Notes, "Pool Rd Car Park")
	assert.Contains(t, p.Notes, "Leisure Centre P1")
	assert.NotContains(t, p.Notes, "Far Car Park")
	assert.True(t, out[0].Verified)

	assert.Equal(t, model.FieldNearbyStops, out[1].Field)
	stops := out[1].Value.([]model.Stop)
	require.Len(t, stops, 1)
	assert.Equal(t, "Didsbury Village (Stop B)", stops[0].Name)
	assert.InDelta(t, 222, stops[0].DistanceM, 5)
}

func TestTransport_UsesCandidateGeoWhenEntityHasNone(t *testing.T) {
	f := &fakeFinder{}
	e := NewTransportExtractor(f, 0)

	out, err := e.Extract(context.Background(), Input{
		Entity:    model.Entity{ID: 1},
		Candidate: &model.Candidate{Name: "Sunshine Swim School", Geo: &venue},
		Now:       fixedNow,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.FieldGeo, out[0].Field)
	assert.Equal(t, venue, out[0].Value)
	assert.Equal(t, "provider.geo", out[0].ExtractorID)
	assert.Equal(t, []model.GeoPoint{venue, venue}, f.calls)
}

func TestTransport_NoGeoNoSearch(t *testing.T) {
	f := &fakeFinder{}
	out, err := NewTransportExtractor(f, 500).Extract(context.Background(), Input{Entity: model.Entity{ID: 1}, Now: fixedNow})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, f.calls)
}

func TestTransport_FinderError(t *testing.T) {
	f := &fakeFinder{err: errors.New("boom")}
	_, err := NewTransportExtractor(f, 500).Extract(context.Background(), Input{Entity: model.Entity{ID: 1, Geo: &venue}, Now: fixedNow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nearby parking")
}
