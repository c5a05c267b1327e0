// Package analytics tracks download throughput and disk usage: a running
// instant speed kept in memory, and lifetime/daily totals persisted through
// the settings store.
package analytics

import (
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/CloudflareHackers/QDM/internal/settings"
)

// DiskUsageInfo holds disk space information for one volume.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot holds comprehensive analytics data for a UI shell.
type Snapshot struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
}

// Manager tracks download statistics: a running instant speed kept in
// memory, and lifetime/daily totals persisted to the settings store.
type Manager struct {
	store          *settings.Store
	currentSpeed   int64 // atomic, bytes/sec
	downloadPathFn func() (string, error)
}

func NewManager(store *settings.Store, downloadPathFn func() (string, error)) *Manager {
	return &Manager{store: store, downloadPathFn: downloadPathFn}
}

// UpdateDownloadSpeed stores the speed last reported by a Supervisor for its
// own download; it is not a sum across concurrent downloads.
func (m *Manager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&m.currentSpeed, bytesPerSec)
}

func (m *Manager) CurrentSpeed() int64 {
	return atomic.LoadInt64(&m.currentSpeed)
}

// TrackDownloadBytes increments today's byte count. Fire-and-forget: a
// dropped stats write must never stall a Segment Worker.
func (m *Manager) TrackDownloadBytes(n int64) {
	go func() {
		_ = m.store.IncrementDailyBytes(n)
	}()
}

func (m *Manager) TrackFileCompleted() {
	go func() {
		_ = m.store.IncrementDailyFiles()
	}()
}

func (m *Manager) LifetimeBytes() (int64, error) {
	return m.store.TotalLifetime()
}

func (m *Manager) LifetimeFiles() (int64, error) {
	return m.store.TotalFiles()
}

// DailyStats returns up to days of history keyed by "YYYY-MM-DD".
func (m *Manager) DailyStats(days int) (map[string]int64, error) {
	rows, err := m.store.DailyHistory(days)
	if err != nil {
		return map[string]int64{}, err
	}
	res := make(map[string]int64, len(rows))
	for _, row := range rows {
		res[row.Date] = row.Bytes
	}
	return res, nil
}

// DiskUsage reports free/used space on the volume backing the default
// save directory.
func (m *Manager) DiskUsage() DiskUsageInfo {
	if m.downloadPathFn == nil {
		return DiskUsageInfo{}
	}
	path, err := m.downloadPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}
	volumePath := filepath.VolumeName(path)
	if volumePath == "" {
		volumePath = path
	} else {
		volumePath += string(filepath.Separator)
	}
	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}
	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

func (m *Manager) Snapshot() Snapshot {
	lifetime, _ := m.LifetimeBytes()
	files, _ := m.LifetimeFiles()
	daily, _ := m.DailyStats(7)
	return Snapshot{
		TotalDownloaded: lifetime,
		TotalFiles:      files,
		DailyHistory:    daily,
		DiskUsage:       m.DiskUsage(),
	}
}
