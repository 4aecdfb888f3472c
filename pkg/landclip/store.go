package landclip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
)

// ensureLoaded reads the whole shapefile into memory and builds the
// spatial index. Idempotent; the result (or failure) is cached for the
// process lifetime.
func (s *Service) ensureLoaded() error {
	s.loadOnce.Do(func() { s.loadErr = s.load() })
	return s.loadErr
}

func (s *Service) load() error {
	if !s.Present() {
		return ErrNotPresent
	}

	name, err := resolveShapeInZip(s.zipPath)
	if err != nil {
		return err
	}
	if err := assertWGS84(s.zipPath, name); err != nil {
		return err
	}

	start := time.Now()
	reader, err := shp.OpenShapeFromZip(s.zipPath, name)
	if err != nil {
		return fmt.Errorf("failed to open land polygons shapefile: %w", err)
	}
	defer reader.Close()

	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}
		converted := convertPolygon(poly)
		if len(converted) == 0 {
			continue
		}
		b := converted.Bound()
		s.index.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, len(s.polys))
		s.polys = append(s.polys, converted)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("error reading land polygons: %w", err)
	}
	if len(s.polys) == 0 {
		return errors.New("land polygons dataset is empty")
	}

	slog.Info("Land polygons loaded", "polygons", len(s.polys), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// resolveShapeInZip picks the shapefile to read, preferring the one
// named land_polygons.shp when the archive carries several.
func resolveShapeInZip(zipPath string) (string, error) {
	names, err := shp.ShapesInZip(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to inspect land polygons archive: %w", err)
	}
	if len(names) == 0 {
		return "", errors.New("no .shp found in land polygons archive")
	}
	for _, name := range names {
		if strings.HasSuffix(strings.ToLower(name), "land_polygons.shp") {
			return name, nil
		}
	}
	return names[0], nil
}

// assertWGS84 checks the companion .prj, when present, for a geographic
// WGS84 coordinate system. A missing .prj is accepted as WGS84.
func assertWGS84(zipPath, shapeName string) error {
	prjName := strings.TrimSuffix(shapeName, ".shp") + ".prj"

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.EqualFold(f.Name, prjName) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		wkt := string(data)
		if strings.Contains(wkt, "WGS") || strings.Contains(wkt, "4326") {
			return nil
		}
		return fmt.Errorf("land polygons dataset is not WGS84: %s", strings.TrimSpace(wkt))
	}
	return nil
}

func convertPolygon(s *shp.Polygon) orb.Polygon {
	var poly orb.Polygon
	for i := 0; i < int(s.NumParts); i++ {
		start := s.Parts[i]
		end := s.NumPoints
		if i < int(s.NumParts)-1 {
			end = s.Parts[i+1]
		}
		ring := make(orb.Ring, 0, end-start)
		for j := start; j < end; j++ {
			ring = append(ring, orb.Point{s.Points[j].X, s.Points[j].Y})
		}
		if len(ring) >= 4 {
			poly = append(poly, ring)
		}
	}
	return poly
}
