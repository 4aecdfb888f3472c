package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
)

// SearchAdminAreas finds boundary relations by free-text query.
// Country search (admin_level 2) is scored locally over the cached
// worldwide list; other levels run a multilingual regex union against
// Overpass. ISO 3166 codes of 2-3 letters are matched exactly as a
// shortcut.
func (s *Service) SearchAdminAreas(ctx context.Context, query, adminLevel string, limit int) ([]Item, error) {
	qtxt := strings.TrimSpace(query)
	if qtxt == "" {
		return []Item{}, nil
	}
	if limit < 1 {
		limit = 1
	}

	path := s.searchCacheFile(qtxt, adminLevel, limit)
	if cached := s.loadItemsCache(path, searchCacheTTLSec); cached != nil {
		return clampItems(cached, limit), nil
	}

	qtxt = overpass.EscapeRegex(qtxt)
	al := strings.TrimSpace(adminLevel)
	isoQuery := isoCode(qtxt)

	if al == "2" {
		items, err := s.searchCountries(ctx, qtxt, isoQuery, limit)
		if err != nil {
			return nil, err
		}
		s.saveItemsCache(path, items)
		return items, nil
	}

	alClause := ""
	if al != "" {
		alClause = fmt.Sprintf(`["admin_level"="%s"]`, al)
	}
	clauses := []string{
		fmt.Sprintf(`rel["boundary"="administrative"]%s[name~"%s",i];`, alClause, qtxt),
		fmt.Sprintf(`rel["boundary"="administrative"]%s["name:en"~"%s",i];`, alClause, qtxt),
		fmt.Sprintf(`rel["boundary"="administrative"]%s[int_name~"%s",i];`, alClause, qtxt),
		fmt.Sprintf(`rel["boundary"="administrative"]%s[official_name~"%s",i];`, alClause, qtxt),
	}
	if isoQuery != "" {
		clauses = append(clauses,
			fmt.Sprintf(`rel["boundary"="administrative"]%s["ISO3166-1"="%s"];`, alClause, isoQuery),
			fmt.Sprintf(`rel["boundary"="administrative"]%s["ISO3166-1:alpha2"="%s"];`, alClause, isoQuery),
			fmt.Sprintf(`rel["boundary"="administrative"]%s["ISO3166-1:alpha3"="%s"];`, alClause, isoQuery),
		)
	}
	body := strings.Join([]string{overpass.Header(s.timeoutSec), "(", strings.Join(clauses, "\n"), ");"}, "\n")

	res, err := s.client.Query(ctx, body+"\nout tags bb center;", "")
	if err != nil {
		var opErr *overpass.Error
		if !errors.As(err, &opErr) {
			return nil, err
		}
		res, err = s.client.Query(ctx, body+"\nout tags center;", "")
		if err != nil {
			return nil, err
		}
	}

	items := itemsFromElements(res.Payload.Elements, true)
	sortByName(items)
	items = clampItems(items, limit)
	s.saveItemsCache(path, items)
	return items, nil
}

// searchCountries scores the cached worldwide country list in memory.
// Base score 100; a name-prefix match subtracts 25 and an exact ISO
// code match subtracts 40, so lower scores rank first.
func (s *Service) searchCountries(ctx context.Context, qtxt, isoQuery string, limit int) ([]Item, error) {
	items, err := s.ListCountries(ctx)
	if err != nil {
		return nil, err
	}
	qNorm := strings.ToLower(qtxt)

	type scored struct {
		score int
		item  Item
	}
	var matches []scored
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		subHaystacks := []string{
			strings.ToLower(name),
			strings.ToLower(item.Tags["name:en"]),
			strings.ToLower(item.Tags["int_name"]),
			strings.ToLower(item.Tags["official_name"]),
		}
		isoHaystacks := []string{
			strings.ToUpper(item.Tags["ISO3166-1"]),
			strings.ToUpper(item.Tags["ISO3166-1:alpha2"]),
			strings.ToUpper(item.Tags["ISO3166-1:alpha3"]),
		}

		matched := false
		for _, h := range append(append([]string{}, subHaystacks...), isoHaystacks...) {
			if h != "" && strings.Contains(h, qNorm) {
				matched = true
				break
			}
		}
		isoExact := false
		if isoQuery != "" {
			for _, h := range isoHaystacks {
				if h != "" && h == isoQuery {
					isoExact = true
					break
				}
			}
			matched = matched || isoExact
		}
		if !matched {
			continue
		}

		score := 100
		if strings.HasPrefix(strings.ToLower(name), qNorm) {
			score -= 25
		}
		if isoExact {
			score -= 40
		}
		matches = append(matches, scored{score: score, item: item})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].item.Name < matches[j].item.Name
	})

	out := make([]Item, 0, min(limit, len(matches)))
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, m.item)
	}
	return out, nil
}

// isoCode returns the upper-cased query when it looks like an ISO 3166
// code (2-3 ASCII letters), else "".
func isoCode(q string) string {
	if len(q) < 2 || len(q) > 3 {
		return ""
	}
	for _, r := range q {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return ""
		}
	}
	return strings.ToUpper(q)
}

func clampItems(items []Item, limit int) []Item {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
