package api

import (
	"net/http"
	"time"

	"github.com/Kirorus/osm-batch-downloader/pkg/version"
)

// NewServer wires all API endpoints plus the SPA frontend into an
// http.Server. WriteTimeout stays unset because SSE streams outlive any
// sane per-response deadline.
func NewServer(addr, staticDir string, health *HealthHandler, landH *LandHandler, catalogH *CatalogHandler, previewH *PreviewHandler, jobsH *JobHandler) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", health.Handle)
	mux.HandleFunc("GET /api/version", handleVersion)
	mux.HandleFunc("GET /api/land-polygons/status", landH.HandleStatus)

	mux.HandleFunc("POST /api/areas/search", catalogH.HandleSearch)
	mux.HandleFunc("POST /api/catalog/ids", catalogH.HandleIDs)
	mux.HandleFunc("POST /api/catalog/details", catalogH.HandleDetails)
	mux.HandleFunc("POST /api/catalog/preview", previewH.HandlePreview)
	mux.HandleFunc("POST /api/catalog/land-preview", previewH.HandleLandPreview)

	mux.HandleFunc("POST /api/jobs", jobsH.HandleCreate)
	mux.HandleFunc("GET /api/jobs/{id}", jobsH.HandleGet)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", jobsH.HandleCancel)
	mux.HandleFunc("GET /api/jobs/{id}/events", jobsH.HandleEvents)

	// Static frontend with SPA routing fallback.
	spaFS := &spaFileSystem{root: http.Dir(staticDir)}
	mux.Handle("/", http.FileServer(spaFS))

	return &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version})
}
