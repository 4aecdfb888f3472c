// Package storage owns the on-disk layout for exported boundaries: the
// per-scope directory tree, atomic JSON writes, per-object GeoJSON
// files, the scope manifest and the combined FeatureCollection files.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
)

// ScopePaths is the directory tree of one (adm_name, admin_level) scope.
type ScopePaths struct {
	BaseDir          string
	ManifestPath     string
	StatsPath        string
	OSMObjectsDir    string
	OSMCombinedPath  string
	LandObjectsDir   string
	LandCombinedPath string
}

// ScopeFor maps a scope onto its directory tree under geojsonDir.
// Pure: same arguments, same paths.
func ScopeFor(geojsonDir, admName, adminLevel string) ScopePaths {
	base := filepath.Join(geojsonDir, admName, "admin_level="+adminLevel)
	stem := fmt.Sprintf("%s_admin_level_%s", admName, adminLevel)
	return ScopePaths{
		BaseDir:          base,
		ManifestPath:     filepath.Join(base, "manifest.json"),
		StatsPath:        filepath.Join(base, "stats.json"),
		OSMObjectsDir:    filepath.Join(base, "osm_source", "objects"),
		OSMCombinedPath:  filepath.Join(base, "osm_source", stem+"_osm_source.geojson"),
		LandObjectsDir:   filepath.Join(base, "land_only", "objects"),
		LandCombinedPath: filepath.Join(base, "land_only", stem+"_land_only.geojson"),
	}
}

// ObjectFilename is the canonical per-object file name:
// <slug>__<iso2|xx>__r<relation_id>.geojson.
func ObjectFilename(relationID int64, tags osm.Tags) string {
	name := osm.PreferredEnglishName(tags)
	if name == "" {
		name = fmt.Sprintf("relation %d", relationID)
	}
	iso2 := osm.ISO2(tags)
	if iso2 == "" {
		iso2 = "xx"
	}
	return fmt.Sprintf("%s__%s__r%d.geojson", osm.Slugify(name, 80), iso2, relationID)
}
