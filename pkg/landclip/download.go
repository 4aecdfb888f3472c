package landclip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Progress is a streaming download snapshot. TotalBytes is nil when the
// server does not announce a content length.
type Progress struct {
	DoneBytes  int64   `json:"done_bytes"`
	TotalBytes *int64  `json:"total_bytes,omitempty"`
	ElapsedSec float64 `json:"elapsed_sec"`
}

// Download fetches the dataset archive, trying each configured URL in
// order until one succeeds. An existing archive short-circuits unless
// force is set. onProgress and shouldCancel may be nil.
func (s *Service) Download(ctx context.Context, force bool, onProgress func(Progress), shouldCancel func() bool) error {
	if _, err := os.Stat(s.zipPath); err == nil && !force {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.zipPath), 0o755); err != nil {
		return err
	}

	var lastErr error
	for _, url := range s.urls {
		err := s.downloadOne(ctx, url, onProgress, shouldCancel)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return ErrCancelled
		}
		slog.Warn("Land polygons download attempt failed", "url", url, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no download URLs configured")
	}
	return fmt.Errorf("failed to download land polygons: %w", lastErr)
}

func (s *Service) downloadOne(ctx context.Context, url string, onProgress func(Progress), shouldCancel func() bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	var total *int64
	if resp.ContentLength >= 0 {
		cl := resp.ContentLength
		total = &cl
	}

	tmp := s.zipPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	start := time.Now()
	var done int64
	buf := make([]byte, 1<<20)
	for {
		if shouldCancel != nil && shouldCancel() {
			f.Close()
			return ErrCancelled
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return werr
			}
			done += int64(n)
			if onProgress != nil {
				onProgress(Progress{
					DoneBytes:  done,
					TotalBytes: total,
					ElapsedSec: time.Since(start).Seconds(),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return readErr
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.zipPath); err != nil {
		return err
	}

	s.writeMeta(url)
	slog.Info("Land polygons downloaded", "url", url, "bytes", done, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Service) writeMeta(url string) {
	meta := map[string]any{
		"download_url":        url,
		"downloaded_at_epoch": float64(time.Now().UnixNano()) / 1e9,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.metaPath(), data, 0o644); err != nil {
		slog.Debug("Failed to write land polygons metadata", "error", err)
	}
}
