// Package preview serves boundary geometry for map previews, backed by
// a per-endpoint feature cache and the per-scope object files.
package preview

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
	"github.com/Kirorus/osm-batch-downloader/pkg/geometry"
	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
	"github.com/Kirorus/osm-batch-downloader/pkg/storage"
)

const chunkSize = 25

// Service resolves preview features through a cache cascade: scoped
// object files, the per-endpoint preview cache, then Overpass.
type Service struct {
	cacheRoot  string
	geojsonDir string
	client     *overpass.Client
	defaultURL string
	timeoutSec int
}

func New(cfg *config.Config, client *overpass.Client) *Service {
	return &Service{
		cacheRoot:  filepath.Join(cfg.CacheDir(), "preview"),
		geojsonDir: cfg.GeoJSONDir(),
		client:     client,
		defaultURL: cfg.Overpass.URL,
		timeoutSec: cfg.Overpass.TimeoutSec,
	}
}

// cacheDir is keyed on the Overpass endpoint so previews fetched from
// different mirrors never mix.
func (s *Service) cacheDir(overpassURL string) string {
	src := strings.ToLower(strings.TrimSpace(overpassURL))
	if src == "" {
		src = strings.ToLower(strings.TrimSpace(s.defaultURL))
	}
	sum := sha1.Sum([]byte(src))
	return filepath.Join(s.cacheRoot, "op_"+hex.EncodeToString(sum[:])[:12])
}

func (s *Service) cacheFile(relationID int64, overpassURL string) string {
	return filepath.Join(s.cacheDir(overpassURL), fmt.Sprintf("r%d.json", relationID))
}

// CachedFeature returns a previously generated preview feature for the
// relation, if one exists for this endpoint.
func (s *Service) CachedFeature(relationID int64, overpassURL string) (*geojson.Feature, bool) {
	data, err := os.ReadFile(s.cacheFile(relationID, overpassURL))
	if err != nil {
		return nil, false
	}
	feat, err := geojson.UnmarshalFeature(data)
	if err != nil || feat.Geometry == nil {
		return nil, false
	}
	feat.ID = relationID
	return feat, true
}

func (s *Service) saveCachedFeature(feat *geojson.Feature, relationID int64, overpassURL string) {
	path := s.cacheFile(relationID, overpassURL)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Debug("Preview cache write failed", "relation_id", relationID, "error", err)
		return
	}
	data, err := storage.MarshalJSON(feat)
	if err != nil {
		return
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		slog.Debug("Preview cache write failed", "relation_id", relationID, "error", err)
	}
}

// scopedFeature loads a per-scope object file and normalizes its
// reserved properties for preview delivery.
func scopedFeature(objectsDir string, relationID int64) (*geojson.Feature, bool) {
	feat, _, ok := storage.LoadObjectFeature(objectsDir, relationID)
	if !ok {
		return nil, false
	}
	name, _ := feat.Properties["name"].(string)
	if name == "" {
		name = osm.PreferredName(storage.TagsFromProperties(feat.Properties))
	}
	if name == "" {
		name = fmt.Sprintf("relation %d", relationID)
	}
	feat.ID = relationID
	feat.Properties["relation_id"] = relationID
	feat.Properties["osm_type"] = "relation"
	feat.Properties["osm_id"] = relationID
	feat.Properties["name"] = name
	return feat, true
}

// Features returns a FeatureCollection of boundary previews for the
// given relations. With adm_name and admin_level set, the scope's
// osm_source objects double as the cache target; otherwise features go
// through the per-endpoint preview cache. Relations that cannot be
// fetched or assembled are skipped.
func (s *Service) Features(ctx context.Context, relationIDs []int64, admName, adminLevel string, fixAntimeridian bool, overpassURL string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	ids := dedupeIDs(relationIDs)
	if len(ids) == 0 {
		return fc
	}

	admName = strings.TrimSpace(admName)
	adminLevel = strings.TrimSpace(adminLevel)
	scoped := admName != "" && adminLevel != ""
	var scope storage.ScopePaths
	if scoped {
		scope = storage.ScopeFor(s.geojsonDir, admName, adminLevel)
	}

	slog.Info("Preview features start", "ids", len(ids), "scoped", scoped)

	var missing []int64
	hitScoped, hitCache, fetched := 0, 0, 0
	for _, rid := range ids {
		if scoped {
			if feat, ok := scopedFeature(scope.OSMObjectsDir, rid); ok {
				fc.Append(feat)
				hitScoped++
				continue
			}
		}
		if feat, ok := s.CachedFeature(rid, overpassURL); ok {
			fc.Append(feat)
			hitCache++
			if scoped {
				tags := storage.TagsFromProperties(feat.Properties)
				if _, err := storage.WriteObjectGeoJSON(scope.OSMObjectsDir, rid, tags, feat.Geometry); err != nil {
					slog.Debug("Scoped object write failed", "relation_id", rid, "error", err)
				}
			}
			continue
		}
		missing = append(missing, rid)
	}

	for i := 0; i < len(missing); i += chunkSize {
		chunk := missing[i:min(i+chunkSize, len(missing))]
		elements := s.fetchChunkResilient(ctx, chunk, overpassURL)

		for _, rid := range chunk {
			geom, err := geometry.BuildRelationGeometry(elements, rid, fixAntimeridian)
			if err != nil {
				continue
			}
			var tags osm.Tags
			if rel := (&overpass.Payload{Elements: elements}).FindRelation(rid); rel != nil {
				tags = rel.Tags
			}
			name := osm.PreferredName(tags)
			if name == "" {
				name = fmt.Sprintf("relation %d", rid)
			}

			feat := geojson.NewFeature(geom)
			feat.ID = rid
			for k, v := range tags {
				feat.Properties[k] = v
			}
			feat.Properties["relation_id"] = rid
			feat.Properties["osm_type"] = "relation"
			feat.Properties["osm_id"] = rid
			feat.Properties["name"] = name
			feat.Properties["preview_generated_at_epoch"] = epochNow()
			fc.Append(feat)
			fetched++

			if scoped {
				if _, err := storage.WriteObjectGeoJSON(scope.OSMObjectsDir, rid, tags, geom); err != nil {
					slog.Debug("Scoped object write failed", "relation_id", rid, "error", err)
				}
			} else {
				s.saveCachedFeature(feat, rid, overpassURL)
			}
		}
	}

	slog.Info("Preview features done",
		"returned", len(fc.Features), "scoped_hits", hitScoped, "cache_hits", hitCache, "fetched", fetched)
	return fc
}

// fetchChunkResilient fetches relation elements for a chunk, splitting
// in half and then per-id when Overpass rejects the batch. Ids that
// still fail are skipped.
func (s *Service) fetchChunkResilient(ctx context.Context, chunk []int64, overpassURL string) []overpass.Element {
	elements, err := s.fetchElements(ctx, chunk, overpassURL)
	if err == nil {
		return elements
	}
	if len(chunk) == 1 {
		return nil
	}

	var out []overpass.Element
	half := max(1, len(chunk)/2)
	for _, sub := range [][]int64{chunk[:half], chunk[half:]} {
		if len(sub) == 0 {
			continue
		}
		if els, err := s.fetchElements(ctx, sub, overpassURL); err == nil {
			out = append(out, els...)
			continue
		}
		for _, rid := range sub {
			if els, err := s.fetchElements(ctx, []int64{rid}, overpassURL); err == nil {
				out = append(out, els...)
			}
		}
	}
	return out
}

// fetchElements runs the recursing relations query, retrying without
// inline geometry when the endpoint rejects the geom form.
func (s *Service) fetchElements(ctx context.Context, ids []int64, overpassURL string) ([]overpass.Element, error) {
	res, err := s.client.Query(ctx, overpass.RelationsQuery(ids, s.timeoutSec, true), overpassURL)
	if err != nil {
		var opErr *overpass.Error
		if !errors.As(err, &opErr) {
			return nil, err
		}
		res, err = s.client.Query(ctx, overpass.RelationsQuery(ids, s.timeoutSec, false), overpassURL)
		if err != nil {
			return nil, err
		}
	}
	return res.Payload.Elements, nil
}

// LandFeatures returns the already-clipped features stored under the
// scope's land_only objects. Nothing is fetched.
func (s *Service) LandFeatures(relationIDs []int64, admName, adminLevel string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	scope := storage.ScopeFor(s.geojsonDir, strings.TrimSpace(admName), strings.TrimSpace(adminLevel))
	for _, rid := range dedupeIDs(relationIDs) {
		if feat, ok := scopedFeature(scope.LandObjectsDir, rid); ok {
			fc.Append(feat)
		}
	}
	return fc
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
