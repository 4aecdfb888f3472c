package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
)

// Reserved feature property keys added by this service; everything else
// in a feature's properties is an OSM tag.
var reservedPropertyKeys = map[string]struct{}{
	"relation_id":                {},
	"osm_type":                   {},
	"osm_id":                     {},
	"name":                       {},
	"preview_generated_at_epoch": {},
}

// TagsFromProperties extracts the OSM tags from feature properties,
// dropping the reserved keys.
func TagsFromProperties(props geojson.Properties) osm.Tags {
	out := make(osm.Tags, len(props))
	for k, v := range props {
		if _, reserved := reservedPropertyKeys[k]; reserved {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

// PropertyInt reads an integer-valued feature property, tolerating the
// float64 that encoding/json produces.
func PropertyInt(props geojson.Properties, key string) (int64, bool) {
	switch v := props[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// RelationFiles lists per-object files for a relation id, matching both
// historical naming patterns, most recently modified first.
func RelationFiles(objectsDir string, relationID int64) []string {
	patterns := []string{
		fmt.Sprintf("r%d__*.geojson", relationID),
		fmt.Sprintf("*__r%d.geojson", relationID),
	}
	seen := make(map[string]struct{})
	var out []string
	for _, pat := range patterns {
		matches, _ := filepath.Glob(filepath.Join(objectsDir, pat))
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return fileMtime(out[i]).After(fileMtime(out[j]))
	})
	return out
}

func fileMtime(path string) time.Time {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}

// WriteObjectGeoJSON writes a single-feature FeatureCollection for the
// relation, removing any stale sibling file for the same relation id
// first. Returns the written path.
func WriteObjectGeoJSON(objectsDir string, relationID int64, tags osm.Tags, geometry orb.Geometry) (string, error) {
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return "", err
	}
	filename := ObjectFilename(relationID, tags)
	outPath := filepath.Join(objectsDir, filename)

	for _, old := range RelationFiles(objectsDir, relationID) {
		if filepath.Base(old) != filename {
			_ = os.Remove(old)
		}
	}

	f := geojson.NewFeature(geometry)
	for k, v := range tags {
		f.Properties[k] = v
	}
	f.Properties["osm_type"] = "relation"
	f.Properties["osm_id"] = relationID

	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	if err := WriteJSONAtomic(outPath, fc); err != nil {
		return "", err
	}
	return outPath, nil
}

// LoadObjectFeature loads the most recent valid per-object feature for a
// relation id. Returns the feature and its path, or ok=false on miss.
func LoadObjectFeature(objectsDir string, relationID int64) (*geojson.Feature, string, bool) {
	for _, path := range RelationFiles(objectsDir, relationID) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil || len(fc.Features) == 0 {
			continue
		}
		feat := fc.Features[0]
		if feat.Geometry == nil {
			continue
		}
		if id, ok := PropertyInt(feat.Properties, "osm_id"); ok && id != relationID {
			continue
		}
		return feat, path, true
	}
	return nil, "", false
}
