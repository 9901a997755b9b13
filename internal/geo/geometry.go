package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// CoordinatePrecision is the number of decimal places kept in emitted
// coordinates (about 0.11 m at the equator).
const CoordinatePrecision = 6

var roundingFactor = math.Pow10(CoordinatePrecision)

// ErrUnsupportedGeometry is matched by every UnsupportedGeometryError.
var ErrUnsupportedGeometry = errors.New("unsupported geometry type")

// UnsupportedGeometryError carries a geometry the mapper can not express.
type UnsupportedGeometryError struct {
	Geometry orb.Geometry
}

func (e *UnsupportedGeometryError) Error() string {
	return fmt.Sprintf("unsupported geometry type %T", e.Geometry)
}

func (e *UnsupportedGeometryError) Unwrap() error {
	return ErrUnsupportedGeometry
}

// MapGeometry converts a source geometry into a GeoJSON geometry.
//
// Points map to Point. Polylines (orb.LineString or orb.MultiLineString) map
// to LineString when they have exactly one part and MultiLineString
// otherwise. Polygons (orb.Polygon or orb.MultiPolygon) map to Polygon or
// MultiPolygon by the same rule; empty rings are dropped. A nil geometry or
// an empty point maps to nil. Coordinates are rounded to CoordinatePrecision decimals and the
// input is never modified.
func MapGeometry(g orb.Geometry) (*geojson.Geometry, error) {
	switch g := g.(type) {
	case nil:
		return nil, nil
	case orb.Point:
		if math.IsNaN(g[0]) || math.IsNaN(g[1]) {
			// empty point, as WKB encodes POINT EMPTY
			return nil, nil
		}
		return geojson.NewGeometry(roundPoint(g)), nil
	case orb.LineString:
		return mapLines(orb.MultiLineString{g}), nil
	case orb.MultiLineString:
		return mapLines(g), nil
	case orb.Polygon:
		return mapPolygons(orb.MultiPolygon{g}), nil
	case orb.MultiPolygon:
		return mapPolygons(g), nil
	default:
		return nil, &UnsupportedGeometryError{Geometry: g}
	}
}

func mapLines(parts orb.MultiLineString) *geojson.Geometry {
	lines := make(orb.MultiLineString, 0, len(parts))
	for _, part := range parts {
		lines = append(lines, orb.LineString(roundPoints(part)))
	}

	if len(lines) == 1 {
		return geojson.NewGeometry(lines[0])
	}
	return geojson.NewGeometry(lines)
}

func mapPolygons(parts orb.MultiPolygon) *geojson.Geometry {
	polygons := make(orb.MultiPolygon, 0, len(parts))
	for _, part := range parts {
		rings := make(orb.Polygon, 0, len(part))
		for _, ring := range part {
			if len(ring) == 0 {
				continue
			}
			rings = append(rings, orb.Ring(roundPoints(ring)))
		}
		polygons = append(polygons, rings)
	}

	if len(polygons) == 1 {
		return geojson.NewGeometry(polygons[0])
	}
	return geojson.NewGeometry(polygons)
}

// RoundCoordinate rounds v to CoordinatePrecision decimals, half away from zero.
func RoundCoordinate(v float64) float64 {
	return math.Round(v*roundingFactor) / roundingFactor
}

func roundPoint(p orb.Point) orb.Point {
	return orb.Point{RoundCoordinate(p[0]), RoundCoordinate(p[1])}
}

// roundPoints copies pts so the caller's geometry stays untouched.
func roundPoints(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[i] = roundPoint(p)
	}
	return out
}
