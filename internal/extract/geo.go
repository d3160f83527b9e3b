package extract

import (
	"fmt"

	"github.com/sells-group/directory-cli/internal/model"
)

// providerGeo takes the matched provider record's location.
type providerGeo struct{}

func (providerGeo) Name() string { return "provider.geo" }

func (s providerGeo) Extract(in Input) (*model.ExtractionResult, bool) {
	if in.Candidate == nil || in.Candidate.Geo == nil {
		return nil, false
	}
	g := *in.Candidate.Geo
	if g.Lat == 0 && g.Lon == 0 {
		return nil, false
	}
	return result(model.FieldGeo, g, s.Name(), 0.9, true, fmt.Sprintf("%.6f,%.6f", g.Lat, g.Lon), in.Now), true
}
