// Package catalog lists administrative boundary relations via Overpass,
// backed by TTL disk caches with stale fallback when the upstream is
// unreachable.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
)

// AreaOffset converts a relation id into the matching Overpass area id.
const AreaOffset = 3600000000

const (
	idsCacheTTLSec    = 24 * 3600
	itemsCacheTTLSec  = 24 * 3600
	searchCacheTTLSec = 6 * 3600
)

const detailsChunkSize = 120

// Item is one catalog entry. Center and Bounds are present only when
// the Overpass output mode delivered them.
type Item struct {
	RelationID int64            `json:"relation_id"`
	Name       string           `json:"name"`
	Tags       osm.Tags         `json:"tags"`
	Center     *overpass.LatLon `json:"center"`
	Bounds     *overpass.Bounds `json:"bounds"`
}

// Service answers catalog queries. Safe for concurrent use; all mutable
// state lives in cache files written atomically.
type Service struct {
	cacheDir   string
	client     *overpass.Client
	timeoutSec int
}

func New(cfg *config.Config, client *overpass.Client) *Service {
	return &Service{
		cacheDir:   filepath.Join(cfg.CacheDir(), "catalog"),
		client:     client,
		timeoutSec: cfg.Overpass.TimeoutSec,
	}
}

func scopeKey(parentRelationID int64) string {
	if parentRelationID > 0 {
		return fmt.Sprintf("r%d", parentRelationID)
	}
	return "world"
}

// ListCountries returns all admin_level=2 boundary relations worldwide,
// with tags but no geometry hints, sorted by name.
func (s *Service) ListCountries(ctx context.Context) ([]Item, error) {
	path := s.itemsCacheFile("2", 0)
	if fresh := s.loadItemsCache(path, itemsCacheTTLSec); fresh != nil {
		return fresh, nil
	}
	stale := s.loadItemsCache(path, -1)

	q := strings.Join([]string{
		overpass.Header(s.timeoutSec),
		`rel["boundary"="administrative"]["admin_level"="2"]["type"="boundary"];`,
		"out tags;",
	}, "\n")
	res, err := s.client.Query(ctx, q, "")
	if err != nil {
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	items := itemsFromElements(res.Payload.Elements, false)
	sortByName(items)
	s.saveItemsCache(path, items)
	return items, nil
}

// ListParentItems returns the boundary relations of the given level
// inside a parent relation. Three query variants are tried because area
// support differs between Overpass deployments.
func (s *Service) ListParentItems(ctx context.Context, adminLevel string, parentRelationID int64) ([]Item, error) {
	adminLevel = strings.TrimSpace(adminLevel)
	path := s.itemsCacheFile(adminLevel, parentRelationID)
	if fresh := s.loadItemsCache(path, itemsCacheTTLSec); fresh != nil {
		return fresh, nil
	}
	stale := s.loadItemsCache(path, -1)

	relFilter := fmt.Sprintf(`rel(area.a)["boundary"="administrative"]["admin_level"="%s"]["type"="boundary"];`, adminLevel)
	queries := []string{
		// Preferred: explicit map_to_area from the parent relation.
		strings.Join([]string{
			overpass.Header(s.timeoutSec),
			fmt.Sprintf("relation(%d);", parentRelationID),
			"map_to_area->.a;",
			relFilter,
			"out tags;",
		}, "\n"),
		// Fallback 1: derived area id.
		strings.Join([]string{
			overpass.Header(s.timeoutSec),
			fmt.Sprintf("area(%d)->.a;", AreaOffset+parentRelationID),
			relFilter,
			"out tags;",
		}, "\n"),
		// Fallback 2: relation member traversal.
		strings.Join([]string{
			overpass.Header(s.timeoutSec),
			fmt.Sprintf("relation(%d)->.p;", parentRelationID),
			fmt.Sprintf(`rel(r.p)["boundary"="administrative"]["admin_level"="%s"]["type"="boundary"];`, adminLevel),
			"out tags;",
		}, "\n"),
	}

	var res *overpass.Result
	var lastErr error
	for _, q := range queries {
		r, err := s.client.Query(ctx, q, "")
		if err == nil {
			res = r
			break
		}
		var opErr *overpass.Error
		if !errors.As(err, &opErr) {
			return nil, err
		}
		lastErr = err
	}
	if res == nil {
		if stale != nil {
			return stale, nil
		}
		return nil, lastErr
	}

	items := itemsFromElements(res.Payload.Elements, false)
	sortByName(items)
	s.saveItemsCache(path, items)
	return items, nil
}

// ListRelationIDs returns the sorted, deduplicated relation ids for a
// level, either worldwide or inside a parent relation.
func (s *Service) ListRelationIDs(ctx context.Context, adminLevel string, parentRelationID int64) ([]int64, error) {
	adminLevel = strings.TrimSpace(adminLevel)
	path := s.idsCacheFile(adminLevel, parentRelationID)
	if fresh := s.loadIDsCache(path, idsCacheTTLSec); fresh != nil {
		return fresh, nil
	}
	stale := s.loadIDsCache(path, -1)

	var res *overpass.Result
	var err error
	if parentRelationID > 0 {
		qArea := strings.Join([]string{
			overpass.Header(s.timeoutSec),
			fmt.Sprintf("area(%d)->.a;", AreaOffset+parentRelationID),
			fmt.Sprintf(`rel(area.a)["boundary"="administrative"]["admin_level"="%s"];`, adminLevel),
			"out ids;",
		}, "\n")
		qMembers := strings.Join([]string{
			overpass.Header(s.timeoutSec),
			fmt.Sprintf("relation(%d)->.p;", parentRelationID),
			fmt.Sprintf(`rel(r.p)["boundary"="administrative"]["admin_level"="%s"];`, adminLevel),
			"out ids;",
		}, "\n")
		res, err = s.client.Query(ctx, qArea, "")
		if err != nil {
			// Some endpoints carry no area index for the parent.
			res, err = s.client.Query(ctx, qMembers, "")
		}
	} else {
		q := strings.Join([]string{
			overpass.Header(s.timeoutSec),
			fmt.Sprintf(`rel["boundary"="administrative"]["admin_level"="%s"];`, adminLevel),
			"out ids;",
		}, "\n")
		res, err = s.client.Query(ctx, q, "")
	}
	if err != nil {
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	seen := make(map[int64]struct{})
	var ids []int64
	for _, el := range res.Payload.Elements {
		if el.Type != "relation" || el.ID <= 0 {
			continue
		}
		if _, ok := seen[el.ID]; ok {
			continue
		}
		seen[el.ID] = struct{}{}
		ids = append(ids, el.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.saveIDsCache(path, ids)
	return ids, nil
}

// FetchRelationDetails loads tags plus bounds/center hints for the
// given relations. Chunks of 120 keep round-trips low; strict endpoints
// fall back from "out tags bb center" to "out tags center", and a
// failing chunk degrades to per-id queries.
func (s *Service) FetchRelationDetails(ctx context.Context, relationIDs []int64) ([]Item, error) {
	var ids []int64
	for _, id := range relationIDs {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}

	var out []Item
	for i := 0; i < len(ids); i += detailsChunkSize {
		chunk := ids[i:min(i+detailsChunkSize, len(ids))]
		items, err := s.fetchDetailsChunk(ctx, chunk)
		if err == nil {
			out = append(out, items...)
			continue
		}
		var opErr *overpass.Error
		if !errors.As(err, &opErr) {
			return nil, err
		}
		for _, rid := range chunk {
			if items, err := s.fetchDetailsChunk(ctx, []int64{rid}); err == nil {
				out = append(out, items...)
			}
		}
	}
	sortByName(out)
	return out, nil
}

func (s *Service) fetchDetailsChunk(ctx context.Context, ids []int64) ([]Item, error) {
	head := strings.Join([]string{
		overpass.Header(s.timeoutSec),
		fmt.Sprintf("relation(%s);", overpass.JoinIDs(ids)),
	}, "\n")

	res, err := s.client.Query(ctx, head+"\nout tags bb center;", "")
	if err != nil {
		var opErr *overpass.Error
		if !errors.As(err, &opErr) {
			return nil, err
		}
		res, err = s.client.Query(ctx, head+"\nout tags center;", "")
		if err != nil {
			return nil, err
		}
	}
	return itemsFromElements(res.Payload.Elements, false), nil
}

// itemsFromElements converts relation elements to catalog items.
// requireName drops relations without any usable name tag.
func itemsFromElements(elements []overpass.Element, requireName bool) []Item {
	out := make([]Item, 0, len(elements))
	for _, el := range elements {
		if el.Type != "relation" || el.ID <= 0 {
			continue
		}
		tags := el.Tags
		if tags == nil {
			tags = osm.Tags{}
		}
		name := osm.PreferredName(tags)
		if name == "" {
			if requireName {
				continue
			}
			name = fmt.Sprintf("relation %d", el.ID)
		}
		out = append(out, Item{
			RelationID: el.ID,
			Name:       name,
			Tags:       tags,
			Center:     el.Center,
			Bounds:     el.Bounds,
		})
	}
	return out
}

func sortByName(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}
