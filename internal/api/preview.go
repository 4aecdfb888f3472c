package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Kirorus/osm-batch-downloader/pkg/catalog"
	"github.com/Kirorus/osm-batch-downloader/pkg/preview"
)

const (
	maxPreviewIDs     = 400
	maxLandPreviewIDs = 200
)

// PreviewHandler serves boundary previews as GeoJSON feature
// collections.
type PreviewHandler struct {
	preview *preview.Service
	catalog *catalog.Service
}

func NewPreviewHandler(prev *preview.Service, cat *catalog.Service) *PreviewHandler {
	return &PreviewHandler{preview: prev, catalog: cat}
}

type previewRequest struct {
	RelationIDs      []int64 `json:"relation_ids"`
	AdminLevel       string  `json:"admin_level"`
	ParentRelationID int64   `json:"parent_relation_id"`
	FixAntimeridian  *bool   `json:"fix_antimeridian"`
	OverpassURL      string  `json:"overpass_url"`
}

func (req *previewRequest) fixAntimeridian() bool {
	return req.FixAntimeridian == nil || *req.FixAntimeridian
}

// HandlePreview handles POST /api/catalog/preview. When a scope is
// identified the fetched geometries also land in the scope's object
// tree, priming the download cascade.
func (h *PreviewHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids := positiveIDs(req.RelationIDs)
	if len(ids) > maxPreviewIDs {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("Too many relation_ids for preview (max %d)", maxPreviewIDs))
		return
	}

	var admName string
	adminLevel := strings.TrimSpace(req.AdminLevel)
	if adminLevel != "" {
		name, err := formatAdmName(r.Context(), h.catalog, req.ParentRelationID)
		if err != nil {
			upstreamError(w, err)
			return
		}
		admName = name
	}

	fc := h.preview.Features(r.Context(), ids, admName, adminLevel, req.fixAntimeridian(), req.OverpassURL)
	writeJSON(w, http.StatusOK, fc)
}

// HandleLandPreview handles POST /api/catalog/land-preview. Strictly
// read-only: only already clipped objects are returned.
func (h *PreviewHandler) HandleLandPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids := positiveIDs(req.RelationIDs)
	if len(ids) > maxLandPreviewIDs {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("Too many relation_ids for land preview (max %d)", maxLandPreviewIDs))
		return
	}
	adminLevel := strings.TrimSpace(req.AdminLevel)
	if adminLevel == "" {
		httpError(w, http.StatusBadRequest, "admin_level is required for land preview")
		return
	}

	admName, err := formatAdmName(r.Context(), h.catalog, req.ParentRelationID)
	if err != nil {
		upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.preview.LandFeatures(ids, admName, adminLevel))
}
