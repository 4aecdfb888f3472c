package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Kirorus/osm-batch-downloader/pkg/catalog"
	"github.com/Kirorus/osm-batch-downloader/pkg/downloader"
	"github.com/Kirorus/osm-batch-downloader/pkg/jobs"
)

const maxJobIDs = 5000

// ssePingInterval is how long the event stream waits for a job event
// before emitting a keep-alive ping.
const ssePingInterval = 15 * time.Second

// JobHandler manages download jobs and their SSE streams.
type JobHandler struct {
	manager *jobs.Manager
	catalog *catalog.Service
}

func NewJobHandler(mgr *jobs.Manager, cat *catalog.Service) *JobHandler {
	return &JobHandler{manager: mgr, catalog: cat}
}

type createJobRequest struct {
	AdminLevel            string            `json:"admin_level"`
	ParentRelationID      int64             `json:"parent_relation_id"`
	SelectedRelationIDs   []int64           `json:"selected_relation_ids"`
	RelationNames         map[string]string `json:"relation_names"`
	ClipLand              bool              `json:"clip_land"`
	ForceRefreshOSMSource bool              `json:"force_refresh_osm_source"`
	FixAntimeridian       *bool             `json:"fix_antimeridian"`
	OverpassURL           string            `json:"overpass_url"`
}

// HandleCreate handles POST /api/jobs.
func (h *JobHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
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
	selected := positiveIDs(req.SelectedRelationIDs)
	if len(selected) == 0 {
		httpError(w, http.StatusBadRequest, "No selected_relation_ids provided")
		return
	}
	if len(selected) > maxJobIDs {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("Too many selected_relation_ids (max %d)", maxJobIDs))
		return
	}

	admName, err := formatAdmName(r.Context(), h.catalog, req.ParentRelationID)
	if err != nil {
		upstreamError(w, err)
		return
	}

	fixAntimeridian := req.FixAntimeridian == nil || *req.FixAntimeridian
	job := h.manager.Create(downloader.Params{
		AdmName:         admName,
		AdminLevel:      adminLevel,
		RelationIDs:     selected,
		RelationNames:   req.RelationNames,
		ClipLand:        req.ClipLand,
		ForceRefreshOSM: req.ForceRefreshOSMSource,
		FixAntimeridian: fixAntimeridian,
		OverpassURL:     req.OverpassURL,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID, "adm_name": admName, "admin_level": adminLevel,
	})
}

// HandleGet handles GET /api/jobs/{id}.
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := h.manager.Get(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// HandleCancel handles POST /api/jobs/{id}/cancel.
func (h *JobHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Cancel(r.PathValue("id")) {
		httpError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleEvents handles GET /api/jobs/{id}/events as an SSE stream. The
// stream ends after job_finished; idle waits produce pings so proxies
// keep the connection open.
func (h *JobHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := h.manager.Get(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "Job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, "event: hello\ndata: {}\n\n")
	flusher.Flush()

	for {
		job.Flush()
		ev, ok := job.NextEvent(r.Context(), ssePingInterval)
		if !ok {
			if r.Context().Err() != nil {
				return
			}
			job.Flush()
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
			continue
		}

		payload, err := json.Marshal(ev.Data)
		if err != nil {
			payload = []byte("{}")
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
		if ev.Type == "job_finished" {
			return
		}
	}
}
