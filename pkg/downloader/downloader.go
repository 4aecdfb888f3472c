// Package downloader orchestrates batch boundary downloads: the cache
// cascade per relation, geometry assembly, land clipping, manifest and
// combined-file upkeep, and the event stream the job layer forwards to
// clients.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
	"github.com/Kirorus/osm-batch-downloader/pkg/geometry"
	"github.com/Kirorus/osm-batch-downloader/pkg/landclip"
	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
	"github.com/Kirorus/osm-batch-downloader/pkg/preview"
	"github.com/Kirorus/osm-batch-downloader/pkg/storage"
)

// Event is one job event. Data marshals straight into the SSE payload.
type Event struct {
	Type string
	Data map[string]any
}

// EmitFunc delivers events to the caller-supplied sink. Emit calls are
// side-effect-only; the pipeline never blocks on them.
type EmitFunc func(Event)

// Params describes one batch download job.
type Params struct {
	AdmName         string            `json:"adm_name"`
	AdminLevel      string            `json:"admin_level"`
	RelationIDs     []int64           `json:"relation_ids"`
	RelationNames   map[string]string `json:"relation_names,omitempty"`
	ClipLand        bool              `json:"clip_land"`
	ForceRefreshOSM bool              `json:"force_refresh_osm_source"`
	FixAntimeridian bool              `json:"fix_antimeridian"`
	OverpassURL     string            `json:"overpass_url,omitempty"`
}

// ObjectStats is the per-relation statistics block of an object_stats
// event. Nil pointers render as JSON null, matching fields that do not
// apply to the taken path.
type ObjectStats struct {
	Name             string   `json:"name"`
	OSMSourcePath    string   `json:"osm_source_path"`
	LandOnlyPath     *string  `json:"land_only_path"`
	ClippedEmpty     bool     `json:"clipped_empty"`
	Polygons         int      `json:"polygons"`
	Vertices         int      `json:"vertices"`
	LandOnlyPolygons *int     `json:"land_only_polygons"`
	LandOnlyVertices *int     `json:"land_only_vertices"`
	OverpassUsed     string   `json:"overpass_used"`
	OverpassElapsed  float64  `json:"overpass_elapsed_sec"`
	TimeFetchSec     float64  `json:"time_fetch_sec"`
	TimeBuildSec     float64  `json:"time_build_sec"`
	TimeWriteSec     float64  `json:"time_write_sec"`
	TimeClipSec      *float64 `json:"time_clip_sec"`
	OSMSourceBytes   *int64   `json:"osm_source_bytes"`
	LandOnlyBytes    *int64   `json:"land_only_bytes"`
	ElapsedSec       float64  `json:"elapsed_sec"`
	UpdatedAtEpoch   float64  `json:"updated_at_epoch"`
}

// JobStats is the job-level summary written to stats.json and carried
// by the final done event. Per-object timings and the land-object cache
// counters are deliberately not summarized here.
type JobStats struct {
	AdmName         string  `json:"adm_name"`
	AdminLevel      string  `json:"admin_level"`
	UpdatedAtEpoch  float64 `json:"updated_at_epoch"`
	JobElapsedSec   float64 `json:"job_elapsed_sec"`
	SelectedCount   int     `json:"selected_count"`
	OK              int     `json:"ok"`
	Failed          int     `json:"failed"`
	ClipCacheHits   int     `json:"clip_cache_hits"`
	ClipCacheMisses int     `json:"clip_cache_misses"`
}

// Downloader runs the batch pipeline. Stateless across jobs; all
// per-job state lives on the run.
type Downloader struct {
	geojsonDir string
	overpass   *overpass.Client
	preview    *preview.Service
	land       *landclip.Service
	timeoutSec int
}

func New(cfg *config.Config, client *overpass.Client, prev *preview.Service, land *landclip.Service) *Downloader {
	return &Downloader{
		geojsonDir: cfg.GeoJSONDir(),
		overpass:   client,
		preview:    prev,
		land:       land,
		timeoutSec: cfg.Overpass.TimeoutSec,
	}
}

// run carries the mutable state of one job execution.
type run struct {
	*Downloader
	params       Params
	scope        storage.ScopePaths
	emit         EmitFunc
	shouldCancel func() bool

	clipCacheHits   int
	clipCacheMisses int
	landObjHits     int
	landObjMisses   int
}

// Run executes the whole pipeline for one job. Per-relation failures
// are recorded and the job continues; a non-nil error means the job as
// a whole failed. Cancellation is not an error: the pipeline emits
// done{cancelled:true} and returns nil.
func (d *Downloader) Run(ctx context.Context, params Params, emit EmitFunc, shouldCancel func() bool) error {
	if shouldCancel == nil {
		shouldCancel = func() bool { return false }
	}
	r := &run{
		Downloader:   d,
		params:       params,
		scope:        storage.ScopeFor(d.geojsonDir, params.AdmName, params.AdminLevel),
		emit:         emit,
		shouldCancel: shouldCancel,
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) error {
	manifest := storage.LoadManifest(r.scope.ManifestPath)
	if manifest.Objects == nil {
		manifest.Objects = map[string]*storage.ManifestObject{}
	}

	r.emit(Event{"stage", map[string]any{
		"stage": "start", "adm_name": r.params.AdmName, "admin_level": r.params.AdminLevel,
	}})
	cacheMode := "OSM source cache mode: reuse cached object files when valid"
	if r.params.ForceRefreshOSM {
		cacheMode = "OSM source cache mode: force refresh (ignore cached object files)"
	}
	r.emit(Event{"log", map[string]any{"message": cacheMode}})
	jobStart := time.Now()

	if r.params.ClipLand {
		r.emit(Event{"stage", map[string]any{"stage": "land_polygons.ensure"}})
		err := r.land.Download(ctx, false, func(p landclip.Progress) {
			r.emit(Event{"land_polygons_download_progress", map[string]any{
				"done_bytes": p.DoneBytes, "total_bytes": p.TotalBytes, "elapsed_sec": p.ElapsedSec,
			}})
		}, r.shouldCancel)
		if errors.Is(err, landclip.ErrCancelled) {
			r.emit(Event{"done", map[string]any{"cancelled": true}})
			return nil
		}
		if err != nil {
			return err
		}
	}

	total := len(r.params.RelationIDs)
	ok, failed := 0, 0
	r.emitProgress(0, total, 0, 0)

	for i, rid := range r.params.RelationIDs {
		idx := i + 1
		if r.shouldCancel() {
			r.emit(Event{"done", map[string]any{"cancelled": true}})
			return nil
		}

		providedName := strings.TrimSpace(r.params.RelationNames[strconv.FormatInt(rid, 10)])
		objName := providedName
		if objName == "" {
			if meta := manifest.Objects[strconv.FormatInt(rid, 10)]; meta != nil {
				objName = strings.TrimSpace(meta.Name)
			}
		}
		if objName == "" {
			objName = fmt.Sprintf("relation %d", rid)
		}
		r.emit(Event{"object_started", map[string]any{
			"relation_id": rid, "name": objName, "index": idx, "total": total,
		}})

		stats, entry, err := r.processObject(ctx, rid, providedName, objName)
		if err != nil {
			failed++
			slog.Warn("Object failed", "relation_id", rid, "error", err)
			r.emit(Event{"object_done", map[string]any{
				"relation_id": rid, "name": objName, "ok": false, "error": err.Error(),
			}})
		} else {
			ok++
			manifest.Objects[strconv.FormatInt(rid, 10)] = entry
			r.emit(Event{"object_stats", map[string]any{"relation_id": rid, "stats": stats}})
			r.emit(Event{"object_done", map[string]any{
				"relation_id": rid, "name": stats.Name, "ok": true,
			}})
		}
		r.emitProgress(idx, total, ok, failed)
	}

	manifest.AdmName = r.params.AdmName
	manifest.AdminLevel = r.params.AdminLevel
	manifest.UpdatedAtEpoch = epochNow()
	if err := storage.SaveManifest(r.scope.ManifestPath, manifest); err != nil {
		return err
	}

	r.emit(Event{"stage", map[string]any{"stage": "rebuild_combined"}})
	if err := storage.RebuildCombined(r.scope.OSMObjectsDir, r.scope.OSMCombinedPath); err != nil {
		return err
	}
	if r.params.ClipLand {
		if err := storage.RebuildCombined(r.scope.LandObjectsDir, r.scope.LandCombinedPath); err != nil {
			return err
		}
	}

	stats := JobStats{
		AdmName:         r.params.AdmName,
		AdminLevel:      r.params.AdminLevel,
		UpdatedAtEpoch:  epochNow(),
		JobElapsedSec:   time.Since(jobStart).Seconds(),
		SelectedCount:   total,
		OK:              ok,
		Failed:          failed,
		ClipCacheHits:   r.clipCacheHits,
		ClipCacheMisses: r.clipCacheMisses,
	}
	if err := storage.WriteJSONAtomic(r.scope.StatsPath, stats); err != nil {
		return err
	}

	if r.params.ClipLand {
		r.emit(Event{"log", map[string]any{"message": fmt.Sprintf(
			"Clip cache stats: hits=%d, misses=%d", r.clipCacheHits, r.clipCacheMisses)}})
		r.emit(Event{"log", map[string]any{"message": fmt.Sprintf(
			"Land-only object cache: hits=%d, misses=%d", r.landObjHits, r.landObjMisses)}})
	}
	r.emit(Event{"done", map[string]any{"stats": stats}})
	return nil
}

func (r *run) emitProgress(done, total, ok, failed int) {
	r.emit(Event{"overall_progress", map[string]any{
		"done": done, "total": total, "ok": ok, "failed": failed,
	}})
}

func (r *run) phase(rid int64, phase string) {
	r.emit(Event{"object_phase", map[string]any{"relation_id": rid, "phase": phase}})
}

// processObject runs the cache cascade for one relation and returns its
// stats block plus the manifest entry.
func (r *run) processObject(ctx context.Context, rid int64, providedName, objName string) (*ObjectStats, *storage.ManifestObject, error) {
	t0 := time.Now()
	fetchStart := time.Now()

	var (
		geom        orb.Geometry
		tags        osm.Tags
		osmPath     string
		usedURL     string
		usedElapsed float64
		tFetch      float64
		tBuild      float64
		tWrite      float64
		osmReused   bool
	)

	if !r.params.ForceRefreshOSM {
		if feat, path, ok := storage.LoadObjectFeature(r.scope.OSMObjectsDir, rid); ok {
			r.phase(rid, "use_osm_source_cache")
			geom = feat.Geometry
			tags = storage.TagsFromProperties(feat.Properties)
			osmPath = path
			osmReused = true
			usedURL = "osm_source_cache"
			tFetch = time.Since(fetchStart).Seconds()
		}
	}

	if geom == nil {
		if feat, ok := r.preview.CachedFeature(rid, r.params.OverpassURL); ok {
			r.phase(rid, "use_preview_cache")
			tags = storage.TagsFromProperties(feat.Properties)
			r.phase(rid, "build_geometry")
			buildStart := time.Now()
			geom = feat.Geometry
			tBuild = time.Since(buildStart).Seconds()
			usedURL = "preview_cache"
			tFetch = time.Since(fetchStart).Seconds()
		} else {
			r.phase(rid, "fetch_overpass")
			res, err := r.fetchRelation(ctx, rid)
			if err != nil {
				return nil, nil, err
			}
			tFetch = time.Since(fetchStart).Seconds()
			usedURL = res.UsedURL
			usedElapsed = res.Elapsed.Seconds()
			if rel := res.Payload.FindRelation(rid); rel != nil {
				tags = rel.Tags
			}
			r.phase(rid, "build_geometry")
			buildStart := time.Now()
			geom, err = geometry.BuildRelationGeometry(res.Payload.Elements, rid, r.params.FixAntimeridian)
			if err != nil {
				return nil, nil, err
			}
			tBuild = time.Since(buildStart).Seconds()
		}

		r.phase(rid, "write_osm_source")
		writeStart := time.Now()
		path, err := storage.WriteObjectGeoJSON(r.scope.OSMObjectsDir, rid, tags, geom)
		if err != nil {
			return nil, nil, err
		}
		osmPath = path
		tWrite = time.Since(writeStart).Seconds()
	}
	if tags == nil {
		tags = osm.Tags{}
	}

	polyCount := geometry.CountPolygons(geom)
	vertexCount := geometry.CountVertices(geom)

	var (
		landPath     string
		clippedEmpty bool
		landPolys    *int
		landVerts    *int
		tClip        *float64
	)
	if r.params.ClipLand {
		r.phase(rid, "clip_land")
		clipStart := time.Now()

		var landCached bool
		if osmReused && !r.params.ForceRefreshOSM {
			if feat, path, ok := storage.LoadObjectFeature(r.scope.LandObjectsDir, rid); ok {
				r.phase(rid, "use_land_only_cache")
				r.landObjHits++
				landCached = true
				landPath = path
				landPolys = intPtr(geometry.CountPolygons(feat.Geometry))
				landVerts = intPtr(geometry.CountVertices(feat.Geometry))
				r.emit(Event{"object_clipped_ready", map[string]any{"relation_id": rid, "name": objName}})
				tClip = floatPtr(time.Since(clipStart).Seconds())
			}
		}
		if !landCached {
			r.landObjMisses++
			union, hit, err := r.land.LoadUnionForBBox(geom.Bound(), 1.0)
			if err != nil {
				return nil, nil, err
			}
			if hit {
				r.clipCacheHits++
			} else {
				r.clipCacheMisses++
			}
			r.emit(Event{"clip_cache_stats", map[string]any{
				"hits": r.clipCacheHits, "misses": r.clipCacheMisses,
			}})

			clipped, empty, err := landclip.Clip(geom, union)
			if err != nil {
				return nil, nil, err
			}
			tClip = floatPtr(time.Since(clipStart).Seconds())
			if empty {
				clippedEmpty = true
			} else {
				landPolys = intPtr(geometry.CountPolygons(clipped))
				landVerts = intPtr(geometry.CountVertices(clipped))
				landPath, err = storage.WriteObjectGeoJSON(r.scope.LandObjectsDir, rid, tags, clipped)
				if err != nil {
					return nil, nil, err
				}
				r.emit(Event{"object_clipped_ready", map[string]any{"relation_id": rid, "name": objName}})
			}
		}
	}

	name := osm.PreferredName(tags)
	if name == "" {
		name = providedName
	}
	if name == "" {
		name = objName
	}
	if name == "" {
		name = fmt.Sprintf("relation %d", rid)
	}

	now := epochNow()
	stats := &ObjectStats{
		Name:             name,
		OSMSourcePath:    osmPath,
		LandOnlyPath:     strPtrOrNil(landPath),
		ClippedEmpty:     clippedEmpty,
		Polygons:         polyCount,
		Vertices:         vertexCount,
		LandOnlyPolygons: landPolys,
		LandOnlyVertices: landVerts,
		OverpassUsed:     usedURL,
		OverpassElapsed:  usedElapsed,
		TimeFetchSec:     tFetch,
		TimeBuildSec:     tBuild,
		TimeWriteSec:     tWrite,
		TimeClipSec:      tClip,
		OSMSourceBytes:   fileSize(osmPath),
		LandOnlyBytes:    fileSize(landPath),
		ElapsedSec:       time.Since(t0).Seconds(),
		UpdatedAtEpoch:   now,
	}

	entry := &storage.ManifestObject{
		RelationID:     rid,
		Name:           name,
		Slug:           osm.Slugify(name, 80),
		UpdatedAtEpoch: now,
		OSMSourceFile:  baseOrEmpty(osmPath),
		LandOnlyFile:   baseOrEmpty(landPath),
	}
	return stats, entry, nil
}

// fetchRelation submits the recursing relation query, falling back to
// the no-geom form for endpoints that reject inline geometry.
func (r *run) fetchRelation(ctx context.Context, rid int64) (*overpass.Result, error) {
	res, err := r.overpass.Query(ctx, overpass.RelationQuery(rid, r.timeoutSec, true), r.params.OverpassURL)
	if err == nil {
		return res, nil
	}
	var opErr *overpass.Error
	if !errors.As(err, &opErr) {
		return nil, err
	}
	return r.overpass.Query(ctx, overpass.RelationQuery(rid, r.timeoutSec, false), r.params.OverpassURL)
}

func fileSize(path string) *int64 {
	if path == "" {
		return nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil
	}
	size := st.Size()
	return &size
}

func baseOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
