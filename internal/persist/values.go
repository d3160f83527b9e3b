package persist

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/directory-cli/internal/model"
)

// validate rejects proposals whose value does not fit the field.
func validate(r model.ExtractionResult) error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return eris.Errorf("persist: %s: confidence %.2f out of range", r.Field, r.Confidence)
	}
	switch v := r.Value.(type) {
	case string:
		if r.Field != model.FieldPrice {
			break
		}
		if model.IsPlaceholder(v) {
			return eris.Errorf("persist: price: placeholder value %q", v)
		}
		return nil
	case model.Schedule:
		if r.Field != model.FieldSchedule {
			break
		}
		if model.IsPlaceholder(v.Day) || model.IsPlaceholder(v.Time) {
			return eris.Errorf("persist: schedule: incomplete value %q", v.String())
		}
		return nil
	case model.Category:
		if r.Field != model.FieldCategory {
			break
		}
		if strings.TrimSpace(v.Main) == "" {
			return eris.New("persist: category: empty main category")
		}
		return nil
	case model.GeoPoint:
		if r.Field != model.FieldGeo {
			break
		}
		if v.Lat < -90 || v.Lat > 90 || v.Lon < -180 || v.Lon > 180 {
			return eris.Errorf("persist: geo: invalid point %.6f,%.6f", v.Lat, v.Lon)
		}
		return nil
	case model.Parking:
		if r.Field == model.FieldParking {
			return nil
		}
	case []model.Stop:
		if r.Field == model.FieldNearbyStops {
			return nil
		}
	}
	return eris.Errorf("persist: %s: unexpected value type %T", r.Field, r.Value)
}

// setValue writes a validated proposal into e.
func setValue(e *model.Entity, r model.ExtractionResult) error {
	switch r.Field {
	case model.FieldPrice:
		v := r.Value.(string)
		e.Price = &v
	case model.FieldSchedule:
		v := r.Value.(model.Schedule)
		e.Schedule = &v
	case model.FieldCategory:
		v := r.Value.(model.Category)
		e.Category, e.Subcategory = v.Main, v.Sub
	case model.FieldGeo:
		v := r.Value.(model.GeoPoint)
		e.Geo = &v
	case model.FieldParking:
		v := r.Value.(model.Parking)
		e.Parking = &v
	case model.FieldNearbyStops:
		e.NearbyStops = slices.Clone(r.Value.([]model.Stop))
	default:
		return eris.Errorf("persist: unknown field %q", r.Field)
	}
	return nil
}

// sameValue reports whether e already holds the proposed value.
func sameValue(e *model.Entity, r model.ExtractionResult) bool {
	switch r.Field {
	case model.FieldPrice:
		return e.Price != nil && *e.Price == r.Value.(string)
	case model.FieldSchedule:
		return e.Schedule != nil && *e.Schedule == r.Value.(model.Schedule)
	case model.FieldCategory:
		v := r.Value.(model.Category)
		return e.Category == v.Main && e.Subcategory == v.Sub
	case model.FieldGeo:
		return e.Geo != nil && *e.Geo == r.Value.(model.GeoPoint)
	case model.FieldParking:
		return e.Parking != nil && *e.Parking == r.Value.(model.Parking)
	case model.FieldNearbyStops:
		return e.NearbyStops != nil && slices.Equal(e.NearbyStops, r.Value.([]model.Stop))
	default:
		return false
	}
}
