package landclip

import (
	"errors"
	"math"

	"github.com/paulmach/orb"

	"github.com/Kirorus/osm-batch-downloader/pkg/geometry"
)

const tileDeg = 5.0

// tileKey snaps a padded bbox to a coarse 5-degree grid so neighboring
// objects share one cached union. The pad is part of the key.
type tileKey struct {
	minX, minY, maxX, maxY int
	pad                    int
}

func tileKeyFor(b orb.Bound, padDeg float64) tileKey {
	return tileKey{
		minX: int(math.Floor((b.Min[0] - padDeg) / tileDeg)),
		minY: int(math.Floor((b.Min[1] - padDeg) / tileDeg)),
		maxX: int(math.Ceil((b.Max[0] + padDeg) / tileDeg)),
		maxY: int(math.Ceil((b.Max[1] + padDeg) / tileDeg)),
		pad:  int(math.Round(padDeg * 100)),
	}
}

func (k tileKey) bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(k.minX) * tileDeg, float64(k.minY) * tileDeg},
		Max: orb.Point{float64(k.maxX) * tileDeg, float64(k.maxY) * tileDeg},
	}
}

// LoadUnionForBBox returns the dissolved land area covering the padded
// bbox, and whether it came from the cache. The mutex covers only the
// cache touch; concurrent misses on the same tile may compute twice.
func (s *Service) LoadUnionForBBox(bbox orb.Bound, padDeg float64) (orb.Geometry, bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, false, err
	}

	key := tileKeyFor(bbox, padDeg)
	s.mu.Lock()
	cached, ok := s.cache.Get(key)
	s.mu.Unlock()
	if ok {
		return cached, true, nil
	}

	query := key.bound()
	candidates := s.candidatesFor(query)
	if len(candidates) == 0 {
		return nil, false, ErrEmptyArea
	}

	union, err := geometry.Union(candidates...)
	if err != nil {
		return nil, false, err
	}
	if geometry.IsEmpty(union) {
		return nil, false, errors.New("land polygons union is empty for this area")
	}

	s.mu.Lock()
	s.cache.Add(key, union)
	s.mu.Unlock()
	return union, false, nil
}

// candidatesFor collects polygons whose bbox intersects the query
// rectangle, via the spatial index with a linear fallback.
func (s *Service) candidatesFor(query orb.Bound) []orb.Geometry {
	var out []orb.Geometry
	s.index.Search(
		[2]float64{query.Min[0], query.Min[1]},
		[2]float64{query.Max[0], query.Max[1]},
		func(_, _ [2]float64, i int) bool {
			out = append(out, s.polys[i])
			return true
		})
	if len(out) > 0 {
		return out
	}
	for _, p := range s.polys {
		if query.Intersects(p.Bound()) {
			out = append(out, p)
		}
	}
	return out
}

// Clip intersects subject with the land union. An empty result is a
// valid outcome reported via the second return, not an error.
func Clip(subject, landUnion orb.Geometry) (orb.Geometry, bool, error) {
	clipped, err := geometry.Intersection(subject, landUnion)
	if err != nil {
		// Retry once on a repaired subject.
		clipped, err = geometry.Intersection(geometry.Repair(subject), landUnion)
		if err != nil {
			return nil, false, err
		}
	}
	if geometry.IsEmpty(clipped) {
		return nil, true, nil
	}
	return clipped, false, nil
}
