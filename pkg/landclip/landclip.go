// Package landclip manages the global land-polygons dataset: download,
// in-memory store with a spatial index, a tiled union cache, and the
// clip operation that cuts boundary geometry down to land area.
package landclip

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
)

var (
	// ErrNotPresent: the dataset archive has not been downloaded yet.
	ErrNotPresent = errors.New("land polygons dataset is not present")
	// ErrCancelled: the caller's cancellation predicate fired mid-download.
	ErrCancelled = errors.New("land polygons download cancelled")
	// ErrEmptyArea: no land polygon intersects the queried area.
	ErrEmptyArea = errors.New("land polygons empty for this area")
)

const unionCacheSize = 96

// Service owns the land-polygons archive and the derived in-memory
// state. A single instance lives for the process lifetime.
type Service struct {
	zipPath string
	urls    []string
	client  *http.Client

	loadOnce sync.Once
	loadErr  error
	polys    []orb.Polygon
	index    rtree.RTreeG[int]

	mu    sync.Mutex
	cache *lru.Cache[tileKey, orb.Geometry]
}

// New builds the service from configuration. Nothing is loaded until
// the first union query.
func New(cfg *config.Config) *Service {
	cache, _ := lru.New[tileKey, orb.Geometry](unionCacheSize)
	return &Service{
		zipPath: cfg.LandPolygonsZip(),
		urls:    cfg.Land.URLs,
		client: &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 4},
			Timeout:   time.Duration(cfg.Land.DownloadTimeoutSec) * time.Second,
		},
		cache: cache,
	}
}

// Status describes the on-disk state of the dataset archive.
type Status struct {
	Present    bool           `json:"present"`
	Path       string         `json:"path,omitempty"`
	SizeBytes  int64          `json:"size_bytes,omitempty"`
	MtimeEpoch float64        `json:"mtime_epoch,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Status reports whether the archive exists, its size and mtime, and
// the download metadata when readable.
func (s *Service) Status() Status {
	st, err := os.Stat(s.zipPath)
	if err != nil {
		return Status{Present: false}
	}
	status := Status{
		Present:    true,
		Path:       s.zipPath,
		SizeBytes:  st.Size(),
		MtimeEpoch: float64(st.ModTime().UnixNano()) / 1e9,
	}
	if data, err := os.ReadFile(s.metaPath()); err == nil {
		var meta map[string]any
		if json.Unmarshal(data, &meta) == nil {
			status.Meta = meta
		}
	}
	return status
}

// Present reports whether the archive exists on disk.
func (s *Service) Present() bool {
	_, err := os.Stat(s.zipPath)
	return err == nil
}

func (s *Service) metaPath() string {
	return strings.TrimSuffix(s.zipPath, filepath.Ext(s.zipPath)) + ".meta.json"
}
