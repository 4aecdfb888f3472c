package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
	"github.com/Kirorus/osm-batch-downloader/pkg/storage"
)

type idsCachePayload struct {
	UpdatedAtEpoch float64 `json:"updated_at_epoch"`
	RelationIDs    []int64 `json:"relation_ids"`
}

type itemsCachePayload struct {
	UpdatedAtEpoch float64 `json:"updated_at_epoch"`
	Items          []Item  `json:"items"`
}

func (s *Service) idsCacheFile(adminLevel string, parentRelationID int64) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("ids__%s__al%s.json", scopeKey(parentRelationID), adminLevel))
}

func (s *Service) itemsCacheFile(adminLevel string, parentRelationID int64) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("items__%s__al%s.json", scopeKey(parentRelationID), adminLevel))
}

func (s *Service) searchCacheFile(query, adminLevel string, limit int) string {
	al := strings.TrimSpace(adminLevel)
	if al == "" {
		al = "any"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(query)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if len(safe) > 80 {
		safe = safe[:80]
	}
	if safe == "" {
		safe = "empty"
	}
	return filepath.Join(s.cacheDir, fmt.Sprintf("search__%s__al%s__l%d.json", safe, al, limit))
}

// loadIDsCache reads a cached id list. maxAgeSec < 0 disables the TTL
// check, which is how the stale fallback copy is obtained. Any problem
// reads as a miss.
func (s *Service) loadIDsCache(path string, maxAgeSec int) []int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload idsCachePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RelationIDs == nil {
		return nil
	}
	if maxAgeSec >= 0 && epochNow()-payload.UpdatedAtEpoch > float64(maxAgeSec) {
		return nil
	}

	seen := make(map[int64]struct{})
	out := make([]int64, 0, len(payload.RelationIDs))
	for _, id := range payload.RelationIDs {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) saveIDsCache(path string, ids []int64) {
	s.saveCache(path, idsCachePayload{UpdatedAtEpoch: epochNow(), RelationIDs: ids})
}

func (s *Service) loadItemsCache(path string, maxAgeSec int) []Item {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload itemsCachePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Items == nil {
		return nil
	}
	if maxAgeSec >= 0 && epochNow()-payload.UpdatedAtEpoch > float64(maxAgeSec) {
		return nil
	}

	out := make([]Item, 0, len(payload.Items))
	for _, item := range payload.Items {
		if item.RelationID <= 0 {
			continue
		}
		if item.Tags == nil {
			item.Tags = osm.Tags{}
		}
		if item.Name == "" {
			item.Name = osm.PreferredName(item.Tags)
		}
		if item.Name == "" {
			item.Name = fmt.Sprintf("relation %d", item.RelationID)
		}
		out = append(out, item)
	}
	return out
}

func (s *Service) saveItemsCache(path string, items []Item) {
	s.saveCache(path, itemsCachePayload{UpdatedAtEpoch: epochNow(), Items: items})
}

// saveCache writes a cache file; failures are logged and swallowed so
// they never break the foreground request.
func (s *Service) saveCache(path string, payload any) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Debug("Catalog cache write failed", "path", path, "error", err)
		return
	}
	data, err := storage.MarshalJSON(payload)
	if err != nil {
		return
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		slog.Debug("Catalog cache write failed", "path", path, "error", err)
	}
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
