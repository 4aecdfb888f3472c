package downloader

import (
	"archive/zip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
	"github.com/Kirorus/osm-batch-downloader/pkg/landclip"
	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
	"github.com/Kirorus/osm-batch-downloader/pkg/preview"
	"github.com/Kirorus/osm-batch-downloader/pkg/storage"
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]`

// relationJSON renders an Overpass payload with one closed square
// boundary (lat 0..2, lon 0..2) for the relation.
func relationJSON(rid int64) string {
	return fmt.Sprintf(`{"elements":[
		{"type":"relation","id":%d,"tags":{"name":"Area %d","admin_level":"2"},
		 "members":[{"type":"way","ref":%d,"role":"outer"}]},
		{"type":"way","id":%d,"geometry":[
			{"lat":0,"lon":0},{"lat":0,"lon":2},
			{"lat":2,"lon":2},{"lat":2,"lon":0},{"lat":0,"lon":0}]}]}`,
		rid, rid, rid*100, rid*100)
}

func overpassError(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `<html>OSM3S Response<p><strong>Error</strong>: %s</p></html>`, msg)
}

// buildLandZip fabricates a land-polygons archive with the given
// rectangles as land.
func buildLandZip(t *testing.T, zipPath string, rects ...orb.Bound) {
	t.Helper()
	workDir := t.TempDir()
	shpPath := filepath.Join(workDir, "land_polygons.shp")

	w, err := shp.Create(shpPath, shp.POLYGON)
	require.NoError(t, err)
	w.SetFields([]shp.Field{shp.StringField("FID", 8)})
	for i, r := range rects {
		ring := []shp.Point{
			{X: r.Min[0], Y: r.Min[1]},
			{X: r.Min[0], Y: r.Max[1]},
			{X: r.Max[0], Y: r.Max[1]},
			{X: r.Max[0], Y: r.Min[1]},
			{X: r.Min[0], Y: r.Min[1]},
		}
		poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{ring}))
		n := w.Write(&poly)
		require.NoError(t, w.WriteAttribute(int(n), 0, i))
	}
	w.Close()

	require.NoError(t, os.MkdirAll(filepath.Dir(zipPath), 0o755))
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(filepath.Join(workDir, "land_polygons"+ext))
		require.NoError(t, err)
		f, err := zw.Create("land_polygons" + ext)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	f, err := zw.Create("land_polygons.prj")
	require.NoError(t, err)
	_, err = f.Write([]byte(wgs84WKT))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
}

func newTestDownloader(t *testing.T, handler http.HandlerFunc) (*Downloader, *config.Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Data.Dir = t.TempDir()
	cfg.Overpass.URL = srv.URL
	cfg.Overpass.TimeoutSec = 5

	client := overpass.New(cfg.Overpass)
	return New(cfg, client, preview.New(cfg, client), landclip.New(cfg)), cfg
}

type eventSink struct {
	events []Event
}

func (s *eventSink) emit(e Event) { s.events = append(s.events, e) }

func (s *eventSink) types() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *eventSink) phases() []string {
	var out []string
	for _, e := range s.events {
		if e.Type == "object_phase" {
			out = append(out, e.Data["phase"].(string))
		}
	}
	return out
}

func (s *eventSink) find(typ string) (Event, bool) {
	for _, e := range s.events {
		if e.Type == typ {
			return e, true
		}
	}
	return Event{}, false
}

func (s *eventSink) logMessages() []string {
	var out []string
	for _, e := range s.events {
		if e.Type == "log" {
			out = append(out, e.Data["message"].(string))
		}
	}
	return out
}

func TestRunFetchesAndWrites(t *testing.T) {
	var hits int
	dl, cfg := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, relationJSON(51477))
	})

	var sink eventSink
	params := Params{
		AdmName:       "world_GLOBAL_r0",
		AdminLevel:    "2",
		RelationIDs:   []int64{51477},
		RelationNames: map[string]string{"51477": "Provided"},
	}
	require.NoError(t, dl.Run(context.Background(), params, sink.emit, nil))
	assert.Equal(t, 1, hits)

	started, ok := sink.find("object_started")
	require.True(t, ok)
	// Before tags are known the provided name labels the object.
	assert.Equal(t, "Provided", started.Data["name"])
	assert.Equal(t, 1, started.Data["index"])

	assert.Equal(t, []string{"fetch_overpass", "build_geometry", "write_osm_source"}, sink.phases())

	statsEv, ok := sink.find("object_stats")
	require.True(t, ok)
	stats := statsEv.Data["stats"].(*ObjectStats)
	assert.Equal(t, "Area 51477", stats.Name)
	assert.Equal(t, 1, stats.Polygons)
	assert.Equal(t, 5, stats.Vertices)
	assert.Nil(t, stats.LandOnlyPath)
	assert.Nil(t, stats.TimeClipSec)
	require.NotNil(t, stats.OSMSourceBytes)
	assert.Greater(t, *stats.OSMSourceBytes, int64(0))

	doneObj, ok := sink.find("object_done")
	require.True(t, ok)
	assert.Equal(t, true, doneObj.Data["ok"])
	assert.Equal(t, "Area 51477", doneObj.Data["name"])

	scope := storage.ScopeFor(cfg.GeoJSONDir(), "world_GLOBAL_r0", "2")
	manifest := storage.LoadManifest(scope.ManifestPath)
	entry := manifest.Objects["51477"]
	require.NotNil(t, entry)
	assert.Equal(t, "Area 51477", entry.Name)
	assert.Equal(t, "area-51477", entry.Slug)
	assert.Equal(t, "", entry.LandOnlyFile)

	_, err := os.Stat(scope.OSMCombinedPath)
	assert.NoError(t, err)
	_, err = os.Stat(scope.StatsPath)
	assert.NoError(t, err)

	done, ok := sink.find("done")
	require.True(t, ok)
	job := done.Data["stats"].(JobStats)
	assert.Equal(t, 1, job.OK)
	assert.Equal(t, 0, job.Failed)
	assert.Equal(t, 1, job.SelectedCount)
}

func TestRunReusesOSMSourceCache(t *testing.T) {
	var hits int
	dl, _ := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, relationJSON(51477))
	})

	params := Params{AdmName: "world_GLOBAL_r0", AdminLevel: "2", RelationIDs: []int64{51477}}
	var first eventSink
	require.NoError(t, dl.Run(context.Background(), params, first.emit, nil))
	require.Equal(t, 1, hits)

	var second eventSink
	require.NoError(t, dl.Run(context.Background(), params, second.emit, nil))
	assert.Equal(t, 1, hits)
	assert.Equal(t, []string{"use_osm_source_cache"}, second.phases())

	statsEv, ok := second.find("object_stats")
	require.True(t, ok)
	assert.Equal(t, "osm_source_cache", statsEv.Data["stats"].(*ObjectStats).OverpassUsed)

	// Force refresh bypasses the cached object file.
	params.ForceRefreshOSM = true
	var third eventSink
	require.NoError(t, dl.Run(context.Background(), params, third.emit, nil))
	assert.Equal(t, 2, hits)
	assert.Contains(t, third.phases(), "fetch_overpass")
	msgs := third.logMessages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0], "force refresh")
}

func TestRunGeomFallback(t *testing.T) {
	var geomRejected bool
	dl, _ := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if strings.Contains(r.Form.Get("data"), "geom") {
			geomRejected = true
			overpassError(w, "geom unsupported")
			return
		}
		fmt.Fprint(w, relationJSON(62149))
	})

	var sink eventSink
	params := Params{AdmName: "world_GLOBAL_r0", AdminLevel: "2", RelationIDs: []int64{62149}}
	require.NoError(t, dl.Run(context.Background(), params, sink.emit, nil))
	assert.True(t, geomRejected)

	done, ok := sink.find("done")
	require.True(t, ok)
	assert.Equal(t, 1, done.Data["stats"].(JobStats).OK)
}

func TestRunClipLand(t *testing.T) {
	dl, cfg := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, relationJSON(51477))
	})
	// Land covers the eastern half of the square only.
	buildLandZip(t, cfg.LandPolygonsZip(),
		orb.Bound{Min: orb.Point{1, -1}, Max: orb.Point{10, 10}})

	params := Params{
		AdmName:     "world_GLOBAL_r0",
		AdminLevel:  "2",
		RelationIDs: []int64{51477},
		ClipLand:    true,
	}
	var sink eventSink
	require.NoError(t, dl.Run(context.Background(), params, sink.emit, nil))

	_, ok := sink.find("land_polygons_download_progress")
	assert.False(t, ok, "dataset already present, no download expected")

	clipStats, ok := sink.find("clip_cache_stats")
	require.True(t, ok)
	assert.Equal(t, 0, clipStats.Data["hits"])
	assert.Equal(t, 1, clipStats.Data["misses"])

	_, ok = sink.find("object_clipped_ready")
	assert.True(t, ok)

	statsEv, _ := sink.find("object_stats")
	stats := statsEv.Data["stats"].(*ObjectStats)
	require.NotNil(t, stats.LandOnlyPath)
	require.NotNil(t, stats.LandOnlyPolygons)
	assert.Equal(t, 1, *stats.LandOnlyPolygons)
	assert.False(t, stats.ClippedEmpty)
	require.NotNil(t, stats.TimeClipSec)

	scope := storage.ScopeFor(cfg.GeoJSONDir(), "world_GLOBAL_r0", "2")
	files := storage.RelationFiles(scope.LandObjectsDir, 51477)
	require.Len(t, files, 1)
	_, err := os.Stat(scope.LandCombinedPath)
	assert.NoError(t, err)

	entry := storage.LoadManifest(scope.ManifestPath).Objects["51477"]
	require.NotNil(t, entry)
	assert.NotEmpty(t, entry.LandOnlyFile)

	done, _ := sink.find("done")
	assert.Equal(t, 1, done.Data["stats"].(JobStats).ClipCacheMisses)

	// Second run reuses both the source object and its clipped twin.
	var second eventSink
	require.NoError(t, dl.Run(context.Background(), params, second.emit, nil))
	assert.Contains(t, second.phases(), "use_land_only_cache")
	msgs := second.logMessages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Land-only object cache: hits=1")
}

func TestRunClippedEmpty(t *testing.T) {
	dl, cfg := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, relationJSON(51477))
	})
	// Land inside the padded tile but away from the boundary itself.
	buildLandZip(t, cfg.LandPolygonsZip(),
		orb.Bound{Min: orb.Point{3, 3}, Max: orb.Point{4.5, 4.5}})

	params := Params{
		AdmName:     "world_GLOBAL_r0",
		AdminLevel:  "2",
		RelationIDs: []int64{51477},
		ClipLand:    true,
	}
	var sink eventSink
	require.NoError(t, dl.Run(context.Background(), params, sink.emit, nil))

	statsEv, ok := sink.find("object_stats")
	require.True(t, ok)
	stats := statsEv.Data["stats"].(*ObjectStats)
	assert.True(t, stats.ClippedEmpty)
	assert.Nil(t, stats.LandOnlyPath)
	assert.Nil(t, stats.LandOnlyPolygons)

	_, ok = sink.find("object_clipped_ready")
	assert.False(t, ok)

	done, _ := sink.find("done")
	assert.Equal(t, 1, done.Data["stats"].(JobStats).OK)
}

func TestRunCancelled(t *testing.T) {
	var hits int
	dl, _ := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, relationJSON(51477))
	})

	var sink eventSink
	params := Params{AdmName: "world_GLOBAL_r0", AdminLevel: "2", RelationIDs: []int64{51477, 60189}}
	require.NoError(t, dl.Run(context.Background(), params, sink.emit, func() bool { return true }))

	assert.Equal(t, 0, hits)
	done, ok := sink.find("done")
	require.True(t, ok)
	assert.Equal(t, true, done.Data["cancelled"])
	_, ok = sink.find("object_started")
	assert.False(t, ok)
}

func TestRunObjectFailureContinues(t *testing.T) {
	dl, cfg := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if strings.Contains(r.Form.Get("data"), "relation(404)") {
			overpassError(w, "not found")
			return
		}
		fmt.Fprint(w, relationJSON(51477))
	})

	var sink eventSink
	params := Params{AdmName: "world_GLOBAL_r0", AdminLevel: "2", RelationIDs: []int64{404, 51477}}
	require.NoError(t, dl.Run(context.Background(), params, sink.emit, nil))

	var results []bool
	for _, e := range sink.events {
		if e.Type == "object_done" {
			results = append(results, e.Data["ok"].(bool))
			if !e.Data["ok"].(bool) {
				assert.NotEmpty(t, e.Data["error"])
			}
		}
	}
	assert.Equal(t, []bool{false, true}, results)

	done, _ := sink.find("done")
	job := done.Data["stats"].(JobStats)
	assert.Equal(t, 1, job.OK)
	assert.Equal(t, 1, job.Failed)

	// The failed relation never enters the manifest.
	scope := storage.ScopeFor(cfg.GeoJSONDir(), "world_GLOBAL_r0", "2")
	manifest := storage.LoadManifest(scope.ManifestPath)
	assert.Nil(t, manifest.Objects["404"])
	assert.NotNil(t, manifest.Objects["51477"])
}
