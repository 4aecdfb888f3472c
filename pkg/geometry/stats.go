package geometry

import "github.com/paulmach/orb"

// CountPolygons counts individual polygons in a geometry.
func CountPolygons(g orb.Geometry) int {
	switch geom := g.(type) {
	case orb.Polygon:
		if len(geom) == 0 {
			return 0
		}
		return 1
	case orb.MultiPolygon:
		n := 0
		for _, p := range geom {
			if len(p) > 0 {
				n++
			}
		}
		return n
	case orb.Collection:
		n := 0
		for _, sub := range geom {
			n += CountPolygons(sub)
		}
		return n
	default:
		return 0
	}
}

// CountVertices counts coordinate pairs across all rings and lines.
func CountVertices(g orb.Geometry) int {
	switch geom := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(geom)
	case orb.LineString:
		return len(geom)
	case orb.MultiLineString:
		n := 0
		for _, l := range geom {
			n += len(l)
		}
		return n
	case orb.Ring:
		return len(geom)
	case orb.Polygon:
		n := 0
		for _, r := range geom {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range geom {
			n += CountVertices(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, sub := range geom {
			n += CountVertices(sub)
		}
		return n
	default:
		return 0
	}
}
