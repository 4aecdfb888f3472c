package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirorus/osm-batch-downloader/pkg/catalog"
	"github.com/Kirorus/osm-batch-downloader/pkg/config"
	"github.com/Kirorus/osm-batch-downloader/pkg/downloader"
	"github.com/Kirorus/osm-batch-downloader/pkg/jobs"
	"github.com/Kirorus/osm-batch-downloader/pkg/landclip"
	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
	"github.com/Kirorus/osm-batch-downloader/pkg/preview"
)

const countriesJSON = `{"elements":[
	{"type":"relation","id":51477,"tags":{"name":"Deutschland","name:en":"Germany","ISO3166-1":"DE"}},
	{"type":"relation","id":60189,"tags":{"name":"Россия","name:en":"Russia","ISO3166-1":"RU"}}]}`

type testEnv struct {
	base string
	cfg  *config.Config
}

func newTestEnv(t *testing.T, overpassHandler http.HandlerFunc, run jobs.RunFunc) *testEnv {
	t.Helper()
	op := httptest.NewServer(overpassHandler)
	t.Cleanup(op.Close)

	cfg := config.DefaultConfig()
	cfg.Data.Dir = t.TempDir()
	cfg.Overpass.URL = op.URL
	cfg.Overpass.TimeoutSec = 5
	cfg.Server.StaticDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.StaticDir, "index.html"), []byte("<html>app</html>"), 0o644))

	client := overpass.New(cfg.Overpass)
	cat := catalog.New(cfg, client)
	prev := preview.New(cfg, client)
	land := landclip.New(cfg)
	if run == nil {
		run = func(ctx context.Context, params downloader.Params, emit downloader.EmitFunc, shouldCancel func() bool) error {
			emit(downloader.Event{Type: "overall_progress", Data: map[string]any{"done": 1, "total": 1, "ok": 1, "failed": 0}})
			emit(downloader.Event{Type: "done", Data: map[string]any{"stats": map[string]any{}}})
			return nil
		}
	}
	mgr := jobs.NewManager(run)

	srv := NewServer(cfg.Server.Address, cfg.Server.StaticDir,
		NewHealthHandler(land, mgr),
		NewLandHandler(land),
		NewCatalogHandler(cat),
		NewPreviewHandler(prev, cat),
		NewJobHandler(mgr, cat))

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return &testEnv{base: ts.URL, cfg: cfg}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.base+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (e *testEnv) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.base + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	resp, body := env.getJSON(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["land_polygons_present"])
	assert.Equal(t, float64(0), body["active_jobs"])
}

func TestLandStatusAbsent(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	resp, body := env.getJSON(t, "/api/land-polygons/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["present"])
}

func TestCatalogIDsWorldScopeRule(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, countriesJSON)
	}, nil)

	resp, body := env.postJSON(t, "/api/catalog/ids", map[string]any{"admin_level": "4"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Worldwide scope is available only for admin_level=2", body["detail"])

	resp, body = env.postJSON(t, "/api/catalog/ids", map[string]any{"admin_level": "2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	assert.Len(t, body["relation_ids"], 2)
	assert.Len(t, body["items"], 2)
}

func TestCatalogIDsOverpassDown(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `<html>OSM3S Response<p><strong>Error</strong>: down</p></html>`)
	}, nil)

	resp, body := env.postJSON(t, "/api/catalog/ids", map[string]any{"admin_level": "2"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["detail"], "Overpass failed")
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, countriesJSON)
	}, nil)

	resp, _ := env.postJSON(t, "/api/areas/search", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.postJSON(t, "/api/areas/search", map[string]any{"query": "de", "admin_level": "2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.NotEmpty(t, items)
	first := items[0].(map[string]any)
	assert.Equal(t, float64(51477), first["relation_id"])
}

func TestDetailsCap(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, countriesJSON)
	}, nil)

	ids := make([]int64, 501)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	resp, body := env.postJSON(t, "/api/catalog/details", map[string]any{"relation_ids": ids})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Too many relation_ids (max 500)", body["detail"])
}

func TestPreviewCap(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	ids := make([]int64, 401)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	resp, body := env.postJSON(t, "/api/catalog/preview", map[string]any{"relation_ids": ids})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Too many relation_ids for preview (max 400)", body["detail"])
}

func TestLandPreviewRequiresAdminLevel(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, body := env.postJSON(t, "/api/catalog/land-preview", map[string]any{"relation_ids": []int64{1}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "admin_level is required for land preview", body["detail"])

	// Worldwide scope needs no catalog lookup and yields an empty
	// collection when nothing was clipped yet.
	resp, body = env.postJSON(t, "/api/catalog/land-preview", map[string]any{
		"relation_ids": []int64{1}, "admin_level": "2",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FeatureCollection", body["type"])
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, body := env.postJSON(t, "/api/jobs", map[string]any{
		"admin_level":           "2",
		"selected_relation_ids": []int64{51477},
		"clip_land":             false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := body["job_id"].(string)
	assert.Len(t, jobID, 32)
	assert.Equal(t, "world_GLOBAL_r0", body["adm_name"])
	assert.Equal(t, "2", body["admin_level"])

	// The record endpoint mirrors the job state.
	require.Eventually(t, func() bool {
		resp, err := http.Get(env.base + "/api/jobs/" + jobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec map[string]any
		if json.NewDecoder(resp.Body).Decode(&rec) != nil {
			return false
		}
		return rec["status"] == "done"
	}, 2*time.Second, 10*time.Millisecond)

	_, rec := env.getJSON(t, "/api/jobs/"+jobID)
	assert.Equal(t, jobID, rec["job_id"])
	assert.Equal(t, false, rec["cancelled"])
	assert.Nil(t, rec["error"])
	assert.Contains(t, rec, "params")

	resp, _ = env.getJSON(t, "/api/jobs/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.postJSON(t, "/api/jobs/missing/cancel", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobValidation(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, body := env.postJSON(t, "/api/jobs", map[string]any{
		"admin_level": "4", "selected_relation_ids": []int64{1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Worldwide scope is available only for admin_level=2", body["detail"])

	resp, body = env.postJSON(t, "/api/jobs", map[string]any{
		"admin_level": "2", "selected_relation_ids": []int64{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No selected_relation_ids provided", body["detail"])
}

func TestJobEventsStream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	_, body := env.postJSON(t, "/api/jobs", map[string]any{
		"admin_level": "2", "selected_relation_ids": []int64{51477},
	})
	jobID := body["job_id"].(string)

	resp, err := http.Get(env.base + "/api/jobs/" + jobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var eventNames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventNames = append(eventNames, strings.TrimPrefix(line, "event: "))
		}
		if line == "event: job_finished" {
			break
		}
	}

	require.NotEmpty(t, eventNames)
	assert.Equal(t, "hello", eventNames[0])
	assert.Contains(t, eventNames, "job_started")
	assert.Contains(t, eventNames, "overall_progress")
	assert.Equal(t, "job_finished", eventNames[len(eventNames)-1])
}

func TestSPAFallback(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, err := http.Get(env.base + "/some/client/route")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "app")
}
