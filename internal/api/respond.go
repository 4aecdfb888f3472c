package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// httpError writes an error payload in the {"detail": ...} shape the
// frontend expects.
func httpError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// upstreamError maps Overpass failures to 502 and everything else to
// 500.
func upstreamError(w http.ResponseWriter, err error) {
	var opErr *overpass.Error
	if errors.As(err, &opErr) {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func positiveIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}
