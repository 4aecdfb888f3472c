package storage

import (
	"encoding/json"
	"os"
)

// Manifest records what a scope currently contains. Rewritten atomically
// after every job.
type Manifest struct {
	AdmName        string                     `json:"adm_name,omitempty"`
	AdminLevel     string                     `json:"admin_level,omitempty"`
	UpdatedAtEpoch float64                    `json:"updated_at_epoch,omitempty"`
	Objects        map[string]*ManifestObject `json:"objects"`
}

// ManifestObject is one exported relation in the manifest.
type ManifestObject struct {
	RelationID     int64   `json:"relation_id"`
	Name           string  `json:"name"`
	Slug           string  `json:"slug"`
	UpdatedAtEpoch float64 `json:"updated_at_epoch"`
	OSMSourceFile  string  `json:"osm_source_file"`
	LandOnlyFile   string  `json:"land_only_file,omitempty"`
}

// LoadManifest reads a scope manifest; any read or parse problem yields
// an empty manifest (cache-read errors are treated as misses).
func LoadManifest(path string) *Manifest {
	empty := &Manifest{Objects: map[string]*ManifestObject{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return empty
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return empty
	}
	if m.Objects == nil {
		m.Objects = map[string]*ManifestObject{}
	}
	return &m
}

// SaveManifest writes the manifest atomically.
func SaveManifest(path string, m *Manifest) error {
	return WriteJSONAtomic(path, m)
}
