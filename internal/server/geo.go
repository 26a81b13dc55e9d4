package server

import (
	"encoding/json"
	"net/http"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/reconcile"
)

// Columns holding property coordinates.
const (
	colLatitude  = "latitude"
	colLongitude = "longitude"
)

// mapProperties are the row columns copied onto each map feature.
var mapProperties = []string{
	reconcile.ColDealName,
	reconcile.ColStageName,
	reconcile.ColFileName,
}

// pointOf returns the row's location, or nil when its coordinates are
// missing or out of range.
func pointOf(row model.Row) *geom.Point {
	lat, ok := row.Get(colLatitude).Float()
	if !ok || lat < -90 || lat > 90 {
		return nil
	}
	lon, ok := row.Get(colLongitude).Float()
	if !ok || lon < -180 || lon > 180 {
		return nil
	}
	if lat == 0 && lon == 0 {
		return nil
	}
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326)
}

// handleMap returns the filtered deals with coordinates as a GeoJSON
// FeatureCollection.
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r.URL.Query(), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.store.Query(r.Context(), f)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(page.Rows))}
	bounds := geom.NewBounds(geom.XY)
	for _, row := range page.Rows {
		pt := pointOf(row)
		if pt == nil {
			continue
		}
		props := make(map[string]any, len(mapProperties))
		for _, col := range mapProperties {
			props[col] = row.Get(col).String()
		}
		bounds.Extend(pt)
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         row.Path,
			Geometry:   pt,
			Properties: props,
		})
	}
	if len(fc.Features) > 0 {
		fc.BBox = bounds
	}

	data, err := json.Marshal(&fc)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
