package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Overpass OverpassConfig `yaml:"overpass"`
	Land     LandConfig     `yaml:"land"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address   string `yaml:"address"`
	StaticDir string `yaml:"static_dir"`
}

// DataConfig holds the on-disk data layout roots.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// OverpassConfig holds settings for outbound Overpass queries.
type OverpassConfig struct {
	URL        string `yaml:"url"`
	UserAgent  string `yaml:"user_agent"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// LandConfig holds settings for the land-polygons dataset download.
type LandConfig struct {
	URLs               []string `yaml:"urls"`
	DownloadTimeoutSec int      `yaml:"download_timeout_sec"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server LogSettings `yaml:"server"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// GeoJSONDir is the root of per-scope output trees.
func (c *Config) GeoJSONDir() string {
	return filepath.Join(c.Data.Dir, "geojson")
}

// CacheDir is the root of catalog/preview/land caches.
func (c *Config) CacheDir() string {
	return filepath.Join(c.Data.Dir, "cache")
}

// LandPolygonsZip is the local path of the land-polygons archive.
func (c *Config) LandPolygonsZip() string {
	return filepath.Join(c.CacheDir(), "land-polygons-split-4326.zip")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:   "0.0.0.0:8000",
			StaticDir: "./static",
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Overpass: OverpassConfig{
			URL:        "https://maps.mail.ru/osm/tools/overpass/api/",
			UserAgent:  "osm-batch-downloader/0.1.0",
			TimeoutSec: 180,
		},
		Land: LandConfig{
			URLs: []string{
				"https://osmdata.openstreetmap.de/download/land-polygons-split-4326.zip",
			},
			DownloadTimeoutSec: 1800,
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
		},
	}
}

// Load loads the configuration from the given YAML path, merging defaults
// with existing values, then applies environment overrides on top.
// A missing file is not an error: defaults + environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Overpass.TimeoutSec <= 0 {
		cfg.Overpass.TimeoutSec = 180
	}
	if cfg.Land.DownloadTimeoutSec <= 0 {
		cfg.Land.DownloadTimeoutSec = 1800
	}
	return cfg, nil
}

// applyEnv overrides file/default values from the process environment.
// Environment wins so container deployments need no config file at all.
func (c *Config) applyEnv() {
	if v := envStr("ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := envStr("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := envStr("DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := envStr("OVERPASS_URL"); v != "" {
		c.Overpass.URL = v
	}
	if v := envStr("HTTP_USER_AGENT"); v != "" {
		c.Overpass.UserAgent = v
	}
	if v, ok := envInt("HTTP_TIMEOUT_SEC"); ok {
		c.Overpass.TimeoutSec = v
	}
	if v, ok := envInt("DOWNLOAD_TIMEOUT_SEC"); ok {
		c.Land.DownloadTimeoutSec = v
	}
	if v := envStr("OSM_LAND_POLYGONS_URLS"); v != "" {
		var urls []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				urls = append(urls, p)
			}
		}
		if len(urls) > 0 {
			c.Land.URLs = urls
		}
	}
	if v := envStr("LOG_PATH"); v != "" {
		c.Log.Server.Path = v
	}
	if v := envStr("LOG_LEVEL"); v != "" {
		c.Log.Server.Level = v
	}
}

func envStr(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envInt(name string) (int, bool) {
	raw := envStr(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
