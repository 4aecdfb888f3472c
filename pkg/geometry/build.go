// Package geometry assembles polygonal surfaces for OSM boundary
// relations from the way fragments Overpass returns, including
// longitude unwrapping for antimeridian-crossing areas.
package geometry

import (
	"errors"
	"math"

	"github.com/paulmach/orb"

	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
)

var (
	// ErrRelationNotFound: the requested relation is absent from the payload.
	ErrRelationNotFound = errors.New("relation element not found in Overpass response")
	// ErrNoWayGeometry: no member way yielded at least two points.
	ErrNoWayGeometry = errors.New("relation has no way geometry")
	// ErrMergeFailed: stitching the way fragments produced nothing.
	ErrMergeFailed = errors.New("relation geometry merge failed")
)

// BuildRelationGeometry assembles the boundary surface of a relation
// from a mixed element set. The result is usually a Polygon or
// MultiPolygon; relations whose ways do not close fall back to the
// merged line work.
func BuildRelationGeometry(elements []overpass.Element, relationID int64, fixAntimeridian bool) (orb.Geometry, error) {
	var rel *overpass.Element
	var ways []*overpass.Element
	nodes := make(map[int64]orb.Point)
	for i := range elements {
		el := &elements[i]
		switch el.Type {
		case "relation":
			if el.ID == relationID {
				rel = el
			}
		case "way":
			ways = append(ways, el)
		case "node":
			nodes[el.ID] = orb.Point{el.Lon, el.Lat}
		}
	}
	if rel == nil {
		return nil, ErrRelationNotFound
	}

	memberWays := make(map[int64]struct{})
	for _, m := range rel.Members {
		if m.Type == "way" {
			memberWays[m.Ref] = struct{}{}
		}
	}
	if len(memberWays) > 0 {
		kept := ways[:0]
		for _, w := range ways {
			if _, ok := memberWays[w.ID]; ok {
				kept = append(kept, w)
			}
		}
		ways = kept
	}

	var segments []orb.LineString
	for _, w := range ways {
		coords := wayCoords(w, nodes)
		if len(coords) >= 2 {
			segments = append(segments, coords)
		}
	}
	if len(segments) == 0 {
		return nil, ErrNoWayGeometry
	}

	unwrapped := fixAntimeridian && isAntimeridianCandidate(segments)
	if unwrapped {
		for i := range segments {
			segments[i] = unwrapLongitudes(segments[i])
		}
	}

	merged := mergeSegments(segments)
	if len(merged) == 0 {
		return nil, ErrMergeFailed
	}

	geom := polygonize(merged)
	geom = Repair(geom)
	if unwrapped {
		geom = shiftTo360(geom)
		geom = Repair(geom)
	}
	return geom, nil
}

func wayCoords(w *overpass.Element, nodes map[int64]orb.Point) orb.LineString {
	if len(w.Geometry) > 0 {
		coords := make(orb.LineString, 0, len(w.Geometry))
		for _, pt := range w.Geometry {
			coords = append(coords, orb.Point{pt.Lon, pt.Lat})
		}
		return coords
	}
	coords := make(orb.LineString, 0, len(w.Nodes))
	for _, ref := range w.Nodes {
		if pt, ok := nodes[ref]; ok {
			coords = append(coords, pt)
		}
	}
	return coords
}

// isAntimeridianCandidate: coordinates reach beyond ±150° and span more
// than 300° of longitude, which only happens for areas wrapping the
// antimeridian in the ±180 frame.
func isAntimeridianCandidate(segments []orb.LineString) bool {
	minLon, maxLon := 180.0, -180.0
	farWest, farEast, any := false, false, false
	for _, seg := range segments {
		for _, pt := range seg {
			any = true
			lon := pt[0]
			if lon < minLon {
				minLon = lon
			}
			if lon > maxLon {
				maxLon = lon
			}
			if lon < -150.0 {
				farWest = true
			}
			if lon > 150.0 {
				farEast = true
			}
		}
	}
	return any && farWest && farEast && maxLon-minLon > 300.0
}

// unwrapLongitudes shifts each longitude into (prev-180, prev+180] so a
// way crossing the antimeridian stays continuous.
func unwrapLongitudes(coords orb.LineString) orb.LineString {
	if len(coords) < 2 {
		return coords
	}
	out := make(orb.LineString, 0, len(coords))
	out = append(out, coords[0])
	prevLon := coords[0][0]
	for _, pt := range coords[1:] {
		lon := pt[0]
		for lon-prevLon > 180.0 {
			lon -= 360.0
		}
		for lon-prevLon < -180.0 {
			lon += 360.0
		}
		out = append(out, orb.Point{lon, pt[1]})
		prevLon = lon
	}
	return out
}

// mergeSegments stitches way fragments end-to-end, reversing fragments
// as needed, until no two remaining lines share an endpoint.
func mergeSegments(segments []orb.LineString) []orb.LineString {
	lines := make([]orb.LineString, 0, len(segments))
	for _, s := range segments {
		cp := make(orb.LineString, len(s))
		copy(cp, s)
		lines = append(lines, cp)
	}

	for {
		joined := false
		for i := 0; i < len(lines) && !joined; i++ {
			if isClosed(lines[i]) {
				continue
			}
			for j := i + 1; j < len(lines); j++ {
				if isClosed(lines[j]) {
					continue
				}
				merged, ok := join(lines[i], lines[j])
				if !ok {
					continue
				}
				lines[i] = merged
				lines = append(lines[:j], lines[j+1:]...)
				joined = true
				break
			}
		}
		if !joined {
			return lines
		}
	}
}

func isClosed(l orb.LineString) bool {
	return len(l) >= 4 && samePoint(l[0], l[len(l)-1])
}

func samePoint(a, b orb.Point) bool {
	const eps = 1e-9
	return math.Abs(a[0]-b[0]) < eps && math.Abs(a[1]-b[1]) < eps
}

func join(a, b orb.LineString) (orb.LineString, bool) {
	switch {
	case samePoint(a[len(a)-1], b[0]):
		return append(a, b[1:]...), true
	case samePoint(a[len(a)-1], b[len(b)-1]):
		return append(a, reversed(b)[1:]...), true
	case samePoint(a[0], b[len(b)-1]):
		return append(b, a[1:]...), true
	case samePoint(a[0], b[0]):
		return append(reversed(b), a[1:]...), true
	default:
		return nil, false
	}
}

func reversed(l orb.LineString) orb.LineString {
	out := make(orb.LineString, len(l))
	for i, pt := range l {
		out[len(l)-1-i] = pt
	}
	return out
}

// polygonize turns closed merged lines into a polygonal surface; a
// single ring becomes a Polygon, several are dissolved by union. Open
// leftovers mean the boundary did not close, and the merged line work
// is returned instead.
func polygonize(merged []orb.LineString) orb.Geometry {
	var polys []orb.Geometry
	for _, line := range merged {
		if !isClosed(line) {
			continue
		}
		ring := make(orb.Ring, len(line))
		copy(ring, line)
		polys = append(polys, orb.Polygon{ring})
	}
	switch len(polys) {
	case 0:
		if len(merged) == 1 {
			return merged[0]
		}
		mls := make(orb.MultiLineString, len(merged))
		copy(mls, merged)
		return mls
	case 1:
		return polys[0]
	default:
		u, err := Union(polys...)
		if err != nil || u == nil {
			mp := make(orb.MultiPolygon, 0, len(polys))
			for _, p := range polys {
				mp = append(mp, p.(orb.Polygon))
			}
			return mp
		}
		return u
	}
}

// shiftTo360 remaps longitudes into [0, 360) after an unwrap pass, so
// antimeridian areas render without a seam at ±180.
func shiftTo360(g orb.Geometry) orb.Geometry {
	shift := func(pt orb.Point) orb.Point {
		return orb.Point{math.Mod(pt[0]+360.0, 360.0), pt[1]}
	}
	switch geom := g.(type) {
	case orb.Polygon:
		return mapPolygon(geom, shift)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, p := range geom {
			out[i] = mapPolygon(p, shift)
		}
		return out
	case orb.LineString:
		return mapLine(geom, shift)
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(geom))
		for i, l := range geom {
			out[i] = mapLine(l, shift)
		}
		return out
	default:
		return g
	}
}

func mapPolygon(p orb.Polygon, f func(orb.Point) orb.Point) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = f(pt)
		}
		out[i] = r
	}
	return out
}

func mapLine(l orb.LineString, f func(orb.Point) orb.Point) orb.LineString {
	out := make(orb.LineString, len(l))
	for i, pt := range l {
		out[i] = f(pt)
	}
	return out
}
