package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// RebuildCombined streams every per-object file's first feature into one
// FeatureCollection. Object files can be large, so features are copied
// verbatim instead of being decoded into geometry types.
func RebuildCombined(objectsDir, combinedPath string) error {
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(combinedPath), 0o755); err != nil {
		return err
	}

	files, _ := filepath.Glob(filepath.Join(objectsDir, "*.geojson"))
	sort.Strings(files)

	tmp := fmt.Sprintf("%s.%d.tmp", combinedPath, os.Getpid())
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if _, err := out.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
		out.Close()
		return err
	}
	first := true
	for _, path := range files {
		feat, ok := firstRawFeature(path)
		if !ok {
			continue
		}
		if !first {
			if _, err := out.WriteString(","); err != nil {
				out.Close()
				return err
			}
		}
		first = false
		if _, err := out.Write(feat); err != nil {
			out.Close()
			return err
		}
	}
	if _, err := out.WriteString("]}"); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, combinedPath)
}

// firstRawFeature extracts the first feature of a FeatureCollection file
// as raw JSON, so the combined file round-trips properties byte-for-byte.
func firstRawFeature(path string) (json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var fc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil || len(fc.Features) == 0 {
		return nil, false
	}
	return fc.Features[0], true
}
