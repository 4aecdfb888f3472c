package api

import (
	"net/http"
	"os"
)

// spaFileSystem implements http.FileSystem and handles SPA routing by
// falling back to index.html for paths the router owns client-side.
type spaFileSystem struct {
	root http.FileSystem
}

// Open opens the named file, serving index.html for anything missing so
// client-side routes survive a hard reload.
func (s *spaFileSystem) Open(name string) (http.File, error) {
	f, err := s.root.Open(name)
	if os.IsNotExist(err) {
		return s.root.Open("index.html")
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
