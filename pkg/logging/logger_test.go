package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
)

func TestInitCreatesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	cleanup, err := Init(&config.LogConfig{Server: config.LogSettings{Path: path, Level: "INFO"}})
	require.NoError(t, err)
	defer cleanup()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRotateKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	require.NoError(t, os.WriteFile(path, []byte("old run\n"), 0o644))

	rotatePaths(path)

	old, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	assert.Equal(t, "old run\n", string(old))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
