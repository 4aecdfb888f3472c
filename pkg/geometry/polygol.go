package geometry

import (
	"github.com/engelsjk/polygol"
	"github.com/paulmach/orb"
)

// ToPolygol converts polygonal orb geometry to polygol's multipolygon
// representation. Non-polygonal input yields an empty geometry.
func ToPolygol(g orb.Geometry) polygol.Geom {
	switch geom := g.(type) {
	case orb.Polygon:
		return polygol.Geom{polygonToPolygol(geom)}
	case orb.MultiPolygon:
		out := make(polygol.Geom, 0, len(geom))
		for _, p := range geom {
			out = append(out, polygonToPolygol(p))
		}
		return out
	default:
		return polygol.Geom{}
	}
}

func polygonToPolygol(p orb.Polygon) [][][]float64 {
	rings := make([][][]float64, 0, len(p))
	for _, ring := range p {
		coords := make([][]float64, 0, len(ring))
		for _, pt := range ring {
			coords = append(coords, []float64{pt[0], pt[1]})
		}
		rings = append(rings, coords)
	}
	return rings
}

// FromPolygol converts back to orb, collapsing a single polygon result
// to orb.Polygon. Degenerate rings (fewer than 4 points) are dropped.
func FromPolygol(g polygol.Geom) orb.Geometry {
	polys := make(orb.MultiPolygon, 0, len(g))
	for _, rawPoly := range g {
		var poly orb.Polygon
		for _, rawRing := range rawPoly {
			if len(rawRing) < 4 {
				continue
			}
			ring := make(orb.Ring, 0, len(rawRing))
			for _, pt := range rawRing {
				if len(pt) < 2 {
					continue
				}
				ring = append(ring, orb.Point{pt[0], pt[1]})
			}
			if len(ring) >= 4 {
				poly = append(poly, ring)
			}
		}
		if len(poly) > 0 {
			polys = append(polys, poly)
		}
	}
	switch len(polys) {
	case 0:
		return nil
	case 1:
		return polys[0]
	default:
		return polys
	}
}

// Union dissolves a set of polygonal geometries into one.
func Union(geoms ...orb.Geometry) (orb.Geometry, error) {
	converted := make([]polygol.Geom, 0, len(geoms))
	for _, g := range geoms {
		pg := ToPolygol(g)
		if len(pg) == 0 {
			continue
		}
		converted = append(converted, pg)
	}
	if len(converted) == 0 {
		return nil, nil
	}
	if len(converted) == 1 {
		// Self-union still normalizes self-intersections.
		u, err := polygol.Union(converted[0])
		if err != nil {
			return nil, err
		}
		return FromPolygol(u), nil
	}
	u, err := polygol.Union(converted[0], converted[1:]...)
	if err != nil {
		return nil, err
	}
	return FromPolygol(u), nil
}

// Intersection clips subject by clip.
func Intersection(subject, clip orb.Geometry) (orb.Geometry, error) {
	s := ToPolygol(subject)
	c := ToPolygol(clip)
	if len(s) == 0 || len(c) == 0 {
		return nil, nil
	}
	res, err := polygol.Intersection(s, c)
	if err != nil {
		return nil, err
	}
	return FromPolygol(res), nil
}

// Repair normalizes a polygonal geometry by self-union, the stand-in
// for a zero-width buffer. Failures leave the input untouched.
func Repair(g orb.Geometry) orb.Geometry {
	if !IsPolygonal(g) {
		return g
	}
	repaired, err := Union(g)
	if err != nil || repaired == nil {
		return g
	}
	return repaired
}

// IsPolygonal reports whether g is a polygon or multipolygon.
func IsPolygonal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	default:
		return false
	}
}

// IsEmpty reports whether g carries no coordinates at all.
func IsEmpty(g orb.Geometry) bool {
	if g == nil {
		return true
	}
	switch geom := g.(type) {
	case orb.Polygon:
		return len(geom) == 0
	case orb.MultiPolygon:
		return len(geom) == 0
	case orb.LineString:
		return len(geom) == 0
	case orb.MultiLineString:
		return len(geom) == 0
	default:
		return false
	}
}
