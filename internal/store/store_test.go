package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/testutil"
)

func TestSaveAndReloadDownload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testutil.Logger())
	require.NoError(t, err)

	d := &model.Download{ID: "d1", SourceURL: "http://x/y", FileName: "y", Status: model.StatusDownloading}
	require.NoError(t, s.SaveDownload(d))

	s2, err := Open(dir, testutil.Logger())
	require.NoError(t, err)
	reloaded := s2.GetDownload("d1")
	require.NotNil(t, reloaded)

	// Crash recovery: a record persisted mid-flight reloads as paused.
	assert.Equal(t, model.StatusPaused, reloaded.Status)
}

func TestDeleteSoleQueueRefused(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testutil.Logger())
	require.NoError(t, err)

	queues := s.AllQueues()
	require.Len(t, queues, 1)
	assert.Error(t, s.DeleteQueue(queues[0].ID))
}

func TestWriteAtomicLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, writeAtomic(path, map[string]int{"a": 1}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"a": 1`)
}
