package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	s, err := OpenAt(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppSettingUpsert(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetString("api_token", "secret-123"))

	val, err := s.GetString("api_token")
	require.NoError(t, err)
	assert.Equal(t, "secret-123", val)

	require.NoError(t, s.SetString("api_token", "rotated"))
	val, err = s.GetString("api_token")
	require.NoError(t, err)
	assert.Equal(t, "rotated", val)
}

func TestGetStringUnsetReturnsEmpty(t *testing.T) {
	s := openTestStore(t)
	val, err := s.GetString("never_set")
	require.NoError(t, err)
	assert.Equal(t, "", val)
}

func TestLocationsUpsertByPath(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddLocation("/downloads/games", "Gaming Drive"))
	require.NoError(t, s.AddLocation("/downloads/games", "SSD Games"))

	locs, err := s.Locations()
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "SSD Games", locs[0].Nickname)
}

func TestDailyStatsAccumulate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyBytes(150))
	require.NoError(t, s.IncrementDailyFiles())
	require.NoError(t, s.IncrementDailyFiles())

	total, err := s.TotalLifetime()
	require.NoError(t, err)
	assert.Equal(t, int64(250), total)

	history, err := s.DailyHistory(7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(250), history[0].Bytes)
	assert.Equal(t, int64(2), history[0].Files)
}

func TestConfigDefaults(t *testing.T) {
	s := openTestStore(t)
	c := NewConfig(s)

	assert.Equal(t, 8597, c.IngestionPort())
	assert.Equal(t, 3, c.MaxConcurrentDownloads())
	assert.Equal(t, 8, c.MaxSegmentsPerDownload())
	assert.Equal(t, 0, c.SpeedLimitKBps())
	assert.True(t, c.IngestionEnabled())
	assert.True(t, c.ShowNotifications())
	assert.False(t, c.MinimizeToTray())
	assert.Empty(t, c.BlockedHosts())
	assert.Contains(t, c.FileExts(), ".zip")
	assert.Contains(t, c.MediaTypes(), "video/")
}

func TestConfigIngestionTokenGeneratedOnce(t *testing.T) {
	s := openTestStore(t)
	c := NewConfig(s)

	first, err := c.IngestionToken()
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := c.IngestionToken()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConfigSettersPersist(t *testing.T) {
	s := openTestStore(t)
	c := NewConfig(s)

	require.NoError(t, c.SetMaxConcurrentDownloads(7))
	assert.Equal(t, 7, c.MaxConcurrentDownloads())

	require.NoError(t, c.SetBlockedHosts([]string{"ads.example"}))
	assert.Equal(t, []string{"ads.example"}, c.BlockedHosts())

	require.NoError(t, c.SetDownloadDir("/data/incoming"))
	dir, err := c.DownloadDir()
	require.NoError(t, err)
	assert.Equal(t, "/data/incoming", dir)
}

func TestFactoryResetRestoresDefaults(t *testing.T) {
	s := openTestStore(t)
	c := NewConfig(s)

	require.NoError(t, c.SetMaxConcurrentDownloads(9))
	require.NoError(t, c.SetIngestionPort(9999))
	require.NoError(t, c.FactoryReset())

	assert.Equal(t, 3, c.MaxConcurrentDownloads())
	assert.Equal(t, 8597, c.IngestionPort())
}
