package conflate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want ValueKind
	}{
		{"string", "hello", KindScalar},
		{"number", float64(3), KindScalar},
		{"nil", nil, KindScalar},
		{"list", []any{"a"}, KindList},
		{"relationship", map[string]any{"record_label": "Site 1"}, KindRelationshipRef},
		{"feature", map[string]any{"type": "Feature", "geometry": map[string]any{}}, KindGeometry},
		{"type-less feature", map[string]any{"geometry": map[string]any{}}, KindGeometry},
		{"collection", map[string]any{"type": "FeatureCollection"}, KindGeometry},
		{"normalized geometry", map[string]any{"geojson": "{}"}, KindNormalizedGeometry},
		{"opaque map", map[string]any{"weird": true}, KindUnknownMap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestNormalizeLists(t *testing.T) {
	tests := []struct {
		name string
		in   []any
		want any
	}{
		{"empty list becomes nil", []any{}, nil},
		{"single relationship stays a list",
			[]any{map[string]any{"record_label": "Feature 1", "record_id": "rec-9"}},
			[]any{"Feature 1"}},
		{"multiple relationships become a list of labels",
			[]any{
				map[string]any{"record_label": "Feature 1"},
				map[string]any{"record_label": "Feature 2"},
			},
			[]any{"Feature 1", "Feature 2"}},
		{"missing label falls back",
			[]any{
				map[string]any{"record_label": "Feature 1"},
				map[string]any{"record_id": "rec-9"},
			},
			[]any{"Feature 1", "label_unknown"}},
		{"single scalar stays a list", []any{"only"}, []any{"only"}},
		{"multi-select list passes through", []any{"a", "b"}, []any{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeValue(tt.in, time.UTC)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeGeometryPoint(t *testing.T) {
	raw := map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":        "Point",
			"coordinates": []any{151.2, -33.8},
		},
		"properties": map[string]any{
			"accuracy":  float64(5),
			"timestamp": float64(1700000000000),
		},
	}

	got, err := normalizeValue(raw, time.UTC)
	require.NoError(t, err)

	g, ok := got.(*GeometryValue)
	require.True(t, ok)
	assert.InDelta(t, -33.8, g.Latitude, 1e-9)
	assert.InDelta(t, 151.2, g.Longitude, 1e-9)
	assert.Equal(t, "POINT(151.2 -33.8)", g.WKT)
	assert.Equal(t, float64(5), g.Accuracy)
	assert.Equal(t, "2023-11-14 22:13:20", g.Timestamp)
	assert.Contains(t, g.GeoJSON, `"coordinates":[151.2,-33.8]`)
}

// Some capture widgets emit the feature shape without its "type" tag; the
// geometry key alone is enough to expand it.
func TestNormalizeGeometryWithoutTypeTag(t *testing.T) {
	raw := map[string]any{
		"geometry": map[string]any{
			"type":        "Point",
			"coordinates": []any{151.2, -33.8},
		},
		"properties": map[string]any{"accuracy": float64(5)},
	}

	got, err := normalizeValue(raw, time.UTC)
	require.NoError(t, err)

	g, ok := got.(*GeometryValue)
	require.True(t, ok, "geometry must expand, not fall back to a debug string")
	assert.InDelta(t, -33.8, g.Latitude, 1e-9)
	assert.InDelta(t, 151.2, g.Longitude, 1e-9)
	assert.Contains(t, g.GeoJSON, `"type":"Feature"`)
}

func TestNormalizeGeometryCollectionCentroid(t *testing.T) {
	raw := map[string]any{
		"type": "FeatureCollection",
		"features": []any{
			map[string]any{
				"type": "Feature",
				"geometry": map[string]any{
					"type": "Polygon",
					"coordinates": []any{[]any{
						[]any{0.0, 0.0},
						[]any{2.0, 0.0},
						[]any{2.0, 2.0},
						[]any{0.0, 2.0},
						[]any{0.0, 0.0},
					}},
				},
				"properties": map[string]any{},
			},
		},
	}

	got, err := normalizeValue(raw, time.UTC)
	require.NoError(t, err)

	g := got.(*GeometryValue)
	assert.InDelta(t, 1.0, g.Latitude, 1e-9, "polygon flattens to its centroid")
	assert.InDelta(t, 1.0, g.Longitude, 1e-9)
}

func TestNormalizeGeometryTimezone(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	raw := map[string]any{
		"type":     "Feature",
		"geometry": map[string]any{"type": "Point", "coordinates": []any{151.2, -33.8}},
		"properties": map[string]any{
			"timestamp": float64(1700000000000),
		},
	}

	got, err := normalizeValue(raw, sydney)
	require.NoError(t, err)
	assert.Equal(t, "2023-11-15 09:13:20", got.(*GeometryValue).Timestamp)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	// A value that already went through normalization must survive a
	// second pass unchanged.
	normalized := map[string]any{
		"geojson":     `{"type":"Feature"}`,
		"wkt":         "POINT(1 2)",
		"y_latitude":  2.0,
		"x_longitude": 1.0,
	}

	got, err := normalizeValue(normalized, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, normalized, got)
}

func TestNormalizeBadGeometryFails(t *testing.T) {
	raw := map[string]any{
		"type":     "FeatureCollection",
		"features": []any{},
	}
	_, err := normalizeValue(raw, time.UTC)
	require.Error(t, err)
}

func TestNormalizeOpaqueMapFallsBackToText(t *testing.T) {
	got, err := normalizeValue(map[string]any{"weird": true}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "map[weird:true]", got)
}
