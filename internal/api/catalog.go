package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Kirorus/osm-batch-downloader/pkg/catalog"
	"github.com/Kirorus/osm-batch-downloader/pkg/osm"
)

const maxDetailsIDs = 500

// CatalogHandler exposes the boundary catalog to the frontend.
type CatalogHandler struct {
	catalog *catalog.Service
}

func NewCatalogHandler(cat *catalog.Service) *CatalogHandler {
	return &CatalogHandler{catalog: cat}
}

type areaSearchRequest struct {
	Query      string `json:"query"`
	AdminLevel string `json:"admin_level"`
	Limit      int    `json:"limit"`
}

type catalogIDsRequest struct {
	AdminLevel       string `json:"admin_level"`
	ParentRelationID int64  `json:"parent_relation_id"`
}

type catalogDetailsRequest struct {
	RelationIDs []int64 `json:"relation_ids"`
}

// HandleSearch handles POST /api/areas/search.
func (h *CatalogHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req areaSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httpError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	items, err := h.catalog.SearchAdminAreas(r.Context(), req.Query, req.AdminLevel, req.Limit)
	if err != nil {
		upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HandleIDs handles POST /api/catalog/ids. The worldwide scope exists
// only for countries; every other level needs a parent relation.
func (h *CatalogHandler) HandleIDs(w http.ResponseWriter, r *http.Request) {
	var req catalogIDsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	adminLevel := strings.TrimSpace(req.AdminLevel)
	if adminLevel == "" {
		httpError(w, http.StatusBadRequest, "admin_level is required")
		return
	}
	if req.ParentRelationID <= 0 && adminLevel != "2" {
		httpError(w, http.StatusBadRequest, "Worldwide scope is available only for admin_level=2")
		return
	}

	var items []catalog.Item
	var err error
	if req.ParentRelationID <= 0 {
		items, err = h.catalog.ListCountries(r.Context())
	} else {
		items, err = h.catalog.ListParentItems(r.Context(), adminLevel, req.ParentRelationID)
	}
	if err != nil {
		upstreamError(w, err)
		return
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.RelationID > 0 {
			ids = append(ids, item.RelationID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relation_ids": ids, "count": len(ids), "items": items,
	})
}

// HandleDetails handles POST /api/catalog/details.
func (h *CatalogHandler) HandleDetails(w http.ResponseWriter, r *http.Request) {
	var req catalogDetailsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids := positiveIDs(req.RelationIDs)
	if len(ids) > maxDetailsIDs {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("Too many relation_ids (max %d)", maxDetailsIDs))
		return
	}

	items, err := h.catalog.FetchRelationDetails(r.Context(), ids)
	if err != nil {
		upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// formatAdmName derives the scope directory name for a parent relation.
// The worldwide scope is fixed; otherwise the parent's English name and
// ISO code label the scope.
func formatAdmName(ctx context.Context, cat *catalog.Service, parentRelationID int64) (string, error) {
	if parentRelationID <= 0 {
		return "world_GLOBAL_r0", nil
	}
	details, err := cat.FetchRelationDetails(ctx, []int64{parentRelationID})
	if err != nil {
		return "", err
	}
	if len(details) == 0 {
		return fmt.Sprintf("region_xx_r%d", parentRelationID), nil
	}
	tags := details[0].Tags
	nameEn := osm.PreferredEnglishName(tags)
	if nameEn == "" {
		nameEn = fmt.Sprintf("relation %d", parentRelationID)
	}
	scopeName := strings.ReplaceAll(osm.Slugify(nameEn, 50), "-", "_")
	iso2 := osm.ISO2(tags)
	if iso2 == "" {
		iso2 = "XX"
	}
	return fmt.Sprintf("%s_%s_r%d", scopeName, iso2, parentRelationID), nil
}
