package api

import (
	"net/http"

	"github.com/Kirorus/osm-batch-downloader/pkg/jobs"
	"github.com/Kirorus/osm-batch-downloader/pkg/landclip"
)

// LandHandler reports the state of the land polygons dataset.
type LandHandler struct {
	land *landclip.Service
}

func NewLandHandler(land *landclip.Service) *LandHandler {
	return &LandHandler{land: land}
}

// HandleStatus handles GET /api/land-polygons/status.
func (h *LandHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.land.Status())
}

// HealthHandler answers the liveness probe with a couple of cheap
// readiness hints.
type HealthHandler struct {
	land *landclip.Service
	jobs *jobs.Manager
}

func NewHealthHandler(land *landclip.Service, mgr *jobs.Manager) *HealthHandler {
	return &HealthHandler{land: land, jobs: mgr}
}

// Handle handles GET /api/health.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                    true,
		"land_polygons_present": h.land.Present(),
		"active_jobs":           h.jobs.ActiveCount(),
	})
}
