package export

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-kml/v3"

	"github.com/roach88/fieldtrip/internal/conflate"
)

func writeGeoJSON(path string, shape *conflate.Shape) error {
	fc := geojson.NewFeatureCollection()
	fc.Features = shape.Features

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeKML(path string, shape *conflate.Shape) error {
	placemarks := make([]kml.Element, 0, len(shape.Features))
	for _, feature := range shape.Features {
		geom, err := kmlGeometry(feature.Geometry)
		if err != nil {
			return err
		}

		var children []kml.Element
		if name, ok := feature.ID.(string); ok && name != "" {
			children = append(children, kml.Name(name))
		}
		if recordID, ok := feature.Properties["record_id"].(string); ok {
			children = append(children, kml.Description(recordID))
		}
		children = append(children, geom)
		placemarks = append(placemarks, kml.Placemark(children...))
	}

	doc := kml.KML(kml.Document(
		append([]kml.Element{kml.Name(shape.FormName + " " + shape.Field)}, placemarks...)...,
	))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := doc.WriteIndent(f, "", "  "); err != nil {
		return err
	}
	return f.Close()
}

// kmlGeometry converts an orb geometry to its KML element. KML has no
// altitude in our captures, so coordinates carry lon/lat only.
func kmlGeometry(geom orb.Geometry) (kml.Element, error) {
	switch g := geom.(type) {
	case orb.Point:
		return kml.Point(kml.Coordinates(coord(g))), nil
	case orb.LineString:
		return kml.LineString(kml.Coordinates(coords(g)...)), nil
	case orb.Polygon:
		return kmlPolygon(g), nil
	case orb.MultiPoint:
		elems := make([]kml.Element, len(g))
		for i, p := range g {
			elems[i] = kml.Point(kml.Coordinates(coord(p)))
		}
		return kml.MultiGeometry(elems...), nil
	case orb.MultiLineString:
		elems := make([]kml.Element, len(g))
		for i, ls := range g {
			elems[i] = kml.LineString(kml.Coordinates(coords(ls)...))
		}
		return kml.MultiGeometry(elems...), nil
	case orb.MultiPolygon:
		elems := make([]kml.Element, len(g))
		for i, p := range g {
			elems[i] = kmlPolygon(p)
		}
		return kml.MultiGeometry(elems...), nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", geom)
	}
}

func kmlPolygon(p orb.Polygon) kml.Element {
	if len(p) == 0 {
		return kml.Polygon()
	}
	children := []kml.Element{
		kml.OuterBoundaryIs(kml.LinearRing(kml.Coordinates(coords(orb.LineString(p[0]))...))),
	}
	for _, ring := range p[1:] {
		children = append(children,
			kml.InnerBoundaryIs(kml.LinearRing(kml.Coordinates(coords(orb.LineString(ring))...))))
	}
	return kml.Polygon(children...)
}

func coord(p orb.Point) kml.Coordinate {
	return kml.Coordinate{Lon: p.Lon(), Lat: p.Lat()}
}

func coords(ls orb.LineString) []kml.Coordinate {
	out := make([]kml.Coordinate, len(ls))
	for i, p := range ls {
		out[i] = coord(p)
	}
	return out
}
