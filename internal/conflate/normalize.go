package conflate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ValueKind classifies a raw field value for normalization.
type ValueKind int

const (
	KindScalar ValueKind = iota
	KindList
	KindRelationshipRef
	KindGeometry
	KindNormalizedGeometry
	KindUnknownMap
)

// Classify inspects a decoded JSON value and reports which normalization
// path applies. Decoded JSON only produces map[string]any, []any and
// scalars, so the type switch is exhaustive.
func Classify(v any) ValueKind {
	switch val := v.(type) {
	case map[string]any:
		if _, ok := val["record_label"]; ok {
			return KindRelationshipRef
		}
		if _, ok := val["geojson"]; ok {
			return KindNormalizedGeometry
		}
		// Captured features carry a geometry key whatever their type
		// field says; collections hold theirs one level down.
		if _, ok := val["geometry"]; ok {
			return KindGeometry
		}
		if t, _ := val["type"].(string); t == "FeatureCollection" {
			return KindGeometry
		}
		return KindUnknownMap
	case []any:
		return KindList
	default:
		return KindScalar
	}
}

// GeometryValue is the flattened form of a captured geometry. Latitude and
// longitude are the point itself for points and the centroid for everything
// else, so every capture gets a plottable coordinate pair.
type GeometryValue struct {
	Feature   *geojson.Feature
	GeoJSON   string
	WKT       string
	Latitude  float64
	Longitude float64
	Accuracy  any
	Timestamp string
}

// Columns renders the geometry as its export sub-columns.
func (g *GeometryValue) Columns() map[string]any {
	return map[string]any{
		"geojson":     g.GeoJSON,
		"wkt":         g.WKT,
		"y_latitude":  g.Latitude,
		"x_longitude": g.Longitude,
		"accuracy":    g.Accuracy,
		"timestamp":   g.Timestamp,
	}
}

// normalizeValue rewrites a raw AVP value into its export form. The result
// is stable under re-application: geometry that was already expanded passes
// through untouched.
func normalizeValue(v any, loc *time.Location) (any, error) {
	switch Classify(v) {
	case KindList:
		return normalizeList(v.([]any))
	case KindRelationshipRef:
		return recordLabel(v.(map[string]any)), nil
	case KindNormalizedGeometry:
		return v, nil
	case KindGeometry:
		g, err := expandGeometry(v.(map[string]any), loc)
		if err != nil {
			return nil, err
		}
		return g, nil
	case KindUnknownMap:
		// No structured rendering applies; keep the content visible
		// rather than dropping it.
		return fmt.Sprintf("%v", v), nil
	default:
		return v, nil
	}
}

// normalizeList handles the two list shapes that occur in the wild:
// relationship lists (the first element carries record_label) and plain
// multi-select lists. An empty list normalizes to nil; both shapes keep
// their list form, so a one-answer select projects the same way as a
// many-answer one.
func normalizeList(items []any) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}

	first, ok := items[0].(map[string]any)
	if !ok {
		return items, nil
	}
	if _, ok := first["record_label"]; !ok {
		return items, nil
	}

	labels := make([]any, 0, len(items))
	for _, item := range items {
		label := any("label_unknown")
		if m, ok := item.(map[string]any); ok {
			if l, ok := m["record_label"]; ok {
				label = l
			}
		}
		labels = append(labels, label)
	}
	return labels, nil
}

func recordLabel(m map[string]any) any {
	return m["record_label"]
}

// expandGeometry parses a GeoJSON Feature or FeatureCollection and renders
// it as the flat geometry columns. A FeatureCollection contributes its
// first feature's geometry; the capture widgets only ever produce one.
func expandGeometry(raw map[string]any, loc *time.Location) (*GeometryValue, error) {
	if _, ok := raw["type"]; !ok {
		// Some capture paths omit the Feature type tag; restore it on a
		// copy so the serialized form is valid GeoJSON.
		typed := make(map[string]any, len(raw)+1)
		for k, v := range raw {
			typed[k] = v
		}
		typed["type"] = "Feature"
		raw = typed
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var feature *geojson.Feature
	switch raw["type"] {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(encoded)
		if err != nil {
			return nil, err
		}
		if len(fc.Features) == 0 {
			return nil, fmt.Errorf("feature collection has no features")
		}
		feature = fc.Features[0]
	default:
		feature, err = geojson.UnmarshalFeature(encoded)
		if err != nil {
			return nil, err
		}
	}
	if feature.Geometry == nil {
		return nil, fmt.Errorf("feature has no geometry")
	}

	var lat, lon float64
	switch geom := feature.Geometry.(type) {
	case orb.Point:
		lon, lat = geom.Lon(), geom.Lat()
	default:
		centroid, _ := planar.CentroidArea(geom)
		lon, lat = centroid.Lon(), centroid.Lat()
	}

	g := &GeometryValue{
		Feature:   feature,
		GeoJSON:   string(encoded),
		WKT:       wkt.MarshalString(feature.Geometry),
		Latitude:  lat,
		Longitude: lon,
	}

	if acc, ok := feature.Properties["accuracy"]; ok {
		g.Accuracy = acc
	}
	if ts, ok := feature.Properties["timestamp"]; ok {
		if ms, ok := ts.(float64); ok {
			g.Timestamp = time.UnixMilli(int64(ms)).In(loc).Format("2006-01-02 15:04:05")
		}
	}

	return g, nil
}

// normalizeField applies normalization to a field's current value in place.
// The history keeps the raw pre-normalization values.
func (r *Run) normalizeField(f *Field) error {
	if f.normalized {
		return nil
	}
	v, err := normalizeValue(f.Data.Value, r.opts.Location)
	if err != nil {
		return &PartialFieldError{RecordID: f.RecordID, Element: f.Element, Label: f.Label, Err: err}
	}
	f.Data.Value = v
	f.normalized = true
	return nil
}
