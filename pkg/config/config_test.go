package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Address)
	assert.Equal(t, 180, cfg.Overpass.TimeoutSec)
	assert.Equal(t, 1800, cfg.Land.DownloadTimeoutSec)
	assert.Len(t, cfg.Land.URLs, 1)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osmbatch.yaml")
	body := []byte("overpass:\n  url: https://example.org/api\n  timeout_sec: 30\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/api", cfg.Overpass.URL)
	assert.Equal(t, 30, cfg.Overpass.TimeoutSec)
	// Untouched sections keep defaults.
	assert.Equal(t, "./data", cfg.Data.Dir)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DATA_DIR", "/srv/osm")
	t.Setenv("HTTP_TIMEOUT_SEC", "45")
	t.Setenv("OSM_LAND_POLYGONS_URLS", "https://a.example/land.zip, https://b.example/land.zip")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/srv/osm", cfg.Data.Dir)
	assert.Equal(t, 45, cfg.Overpass.TimeoutSec)
	assert.Equal(t, []string{"https://a.example/land.zip", "https://b.example/land.zip"}, cfg.Land.URLs)
	assert.Equal(t, filepath.Join("/srv/osm", "cache", "land-polygons-split-4326.zip"), cfg.LandPolygonsZip())
}

func TestInvalidIntEnvIgnored(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT_SEC", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 180, cfg.Overpass.TimeoutSec)
}
