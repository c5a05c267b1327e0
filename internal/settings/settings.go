// Package settings is the durable side-store for configuration, saved
// download locations, and daily transfer statistics. It is deliberately
// separate from the Download/Queue catalog (internal/store): the catalog's
// JSON-document format carries crash-recovery semantics of its own, while
// everything here is ordinary relational state behind typed accessors.
package settings

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AppSetting is a single key/value configuration row.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// DownloadLocation is a saved, nicknamed save directory that a UI shell can
// offer as a quick-pick destination; the Ingestion Endpoint does not use it.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string { return "download_locations" }

// DailyStat accumulates bytes/files completed on one calendar day, for the
// analytics package's rolling history view.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// Store wraps a gorm.DB over the settings/locations/stats tables.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite database under the OS user
// config dir and migrates the settings schema.
func Open() (*Store, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(appData, "QDM")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return OpenAt(filepath.Join(dir, "settings.db"))
}

// OpenAt opens the sqlite database at an explicit path. Pass ":memory:"
// for tests.
func OpenAt(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	if err := db.AutoMigrate(&AppSetting{}, &DownloadLocation{}, &DailyStat{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetString returns the raw value for key, or "" if unset.
func (s *Store) GetString(key string) (string, error) {
	var row AppSetting
	err := s.db.First(&row, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return row.Value, err
}

// SetString upserts key=val.
func (s *Store) SetString(key, val string) error {
	return s.db.Save(&AppSetting{Key: key, Value: val}).Error
}

// AddLocation upserts a saved download location by path.
func (s *Store) AddLocation(path, nickname string) error {
	return s.db.Save(&DownloadLocation{Path: path, Nickname: nickname}).Error
}

// RemoveLocation deletes a saved location by path.
func (s *Store) RemoveLocation(path string) error {
	return s.db.Delete(&DownloadLocation{}, "path = ?", path).Error
}

func (s *Store) Locations() ([]DownloadLocation, error) {
	var locs []DownloadLocation
	err := s.db.Find(&locs).Error
	return locs, err
}

// IncrementDailyBytes adds n bytes to today's DailyStat row, creating it
// if absent.
func (s *Store) IncrementDailyBytes(n int64) error {
	return s.bumpToday(func(row *DailyStat) { row.Bytes += n })
}

// IncrementDailyFiles adds 1 to today's completed-file count.
func (s *Store) IncrementDailyFiles() error {
	return s.bumpToday(func(row *DailyStat) { row.Files++ })
}

func (s *Store) bumpToday(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.First(&row, "date = ?", today).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		row.Date = today
		mutate(&row)
		return tx.Save(&row).Error
	})
}

// DailyHistory returns up to the last n days of DailyStat rows, most
// recent first.
func (s *Store) DailyHistory(n int) ([]DailyStat, error) {
	var rows []DailyStat
	err := s.db.Order("date desc").Limit(n).Find(&rows).Error
	return rows, err
}

// TotalLifetime sums Bytes across every recorded day.
func (s *Store) TotalLifetime() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

// TotalFiles sums Files across every recorded day.
func (s *Store) TotalFiles() (int64, error) {
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

// Config exposes the typed configuration surface over the raw key/value
// table.
type Config struct {
	store *Store
}

func NewConfig(store *Store) *Config {
	return &Config{store: store}
}

const (
	keyIngestionPort     = "ingestion_port"
	keyIngestionToken    = "ingestion_token"
	keyIngestionEnabled  = "ingestion_enabled"
	keyMaxConcurrent     = "max_concurrent_downloads"
	keyMaxSegments       = "max_segments_per_download"
	keySpeedLimitKBps    = "speed_limit_kbps"
	keyDownloadDir       = "download_dir"
	keyUserAgent         = "user_agent"
	keyBlockedHosts      = "blocked_hosts"
	keyFileExts          = "file_exts"
	keyRequestFileExts   = "request_file_exts"
	keyMediaTypes        = "media_types"
	keyTabsWatcher       = "tabs_watcher"
	keyMatchingHosts     = "matching_hosts"
	keyShowNotifications = "show_notifications"
	keyMinimizeToTray    = "minimize_to_tray"
)

// DefaultIngestionPort is where browser agents look first; the listener
// bumps upward from here when the port is taken.
const DefaultIngestionPort = 8597

func (c *Config) IngestionPort() int {
	return c.getIntDefault(keyIngestionPort, DefaultIngestionPort)
}

func (c *Config) SetIngestionPort(port int) error {
	return c.store.SetString(keyIngestionPort, strconv.Itoa(port))
}

func (c *Config) IngestionToken() (string, error) {
	val, err := c.store.GetString(keyIngestionToken)
	if err != nil {
		return "", err
	}
	if val != "" {
		return val, nil
	}
	token, err := generateSecureToken()
	if err != nil {
		return "", err
	}
	return token, c.store.SetString(keyIngestionToken, token)
}

func (c *Config) MaxConcurrentDownloads() int {
	return c.getIntDefault(keyMaxConcurrent, 3)
}

func (c *Config) SetMaxConcurrentDownloads(n int) error {
	return c.store.SetString(keyMaxConcurrent, strconv.Itoa(n))
}

func (c *Config) MaxSegmentsPerDownload() int {
	return c.getIntDefault(keyMaxSegments, 8)
}

func (c *Config) SetMaxSegmentsPerDownload(n int) error {
	return c.store.SetString(keyMaxSegments, strconv.Itoa(n))
}

func (c *Config) UserAgent() string {
	val, err := c.store.GetString(keyUserAgent)
	if err != nil {
		return ""
	}
	return val
}

func (c *Config) SetUserAgent(ua string) error {
	return c.store.SetString(keyUserAgent, ua)
}

func (c *Config) SpeedLimitKBps() int {
	return c.getIntDefault(keySpeedLimitKBps, 0)
}

func (c *Config) SetSpeedLimitKBps(n int) error {
	return c.store.SetString(keySpeedLimitKBps, strconv.Itoa(n))
}

// DownloadDir is the default save directory for new downloads; falls back
// to the user's Downloads folder when unset.
func (c *Config) DownloadDir() (string, error) {
	val, err := c.store.GetString(keyDownloadDir)
	if err != nil {
		return "", err
	}
	if val != "" {
		return val, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads"), nil
}

func (c *Config) SetDownloadDir(dir string) error {
	return c.store.SetString(keyDownloadDir, dir)
}

func (c *Config) IngestionEnabled() bool {
	return c.getBoolDefault(keyIngestionEnabled, true)
}

func (c *Config) SetIngestionEnabled(enabled bool) error {
	return c.setBool(keyIngestionEnabled, enabled)
}

func (c *Config) ShowNotifications() bool {
	return c.getBoolDefault(keyShowNotifications, true)
}

func (c *Config) SetShowNotifications(v bool) error {
	return c.setBool(keyShowNotifications, v)
}

func (c *Config) MinimizeToTray() bool {
	return c.getBoolDefault(keyMinimizeToTray, false)
}

func (c *Config) SetMinimizeToTray(v bool) error {
	return c.setBool(keyMinimizeToTray, v)
}

// BlockedHosts is the Ingestion Endpoint's host blocklist.
func (c *Config) BlockedHosts() []string {
	return c.getList(keyBlockedHosts, nil)
}

func (c *Config) SetBlockedHosts(hosts []string) error {
	return c.setList(keyBlockedHosts, hosts)
}

// FileExts is the extension allowlist applied to intercepted downloads; the
// Ingestion Endpoint allows everything only when both this list and
// MediaTypes are empty.
func (c *Config) FileExts() []string {
	return c.getList(keyFileExts, defaultFileExts)
}

func (c *Config) SetFileExts(exts []string) error {
	return c.setList(keyFileExts, exts)
}

// RequestFileExts are extensions the browser agent should intercept at the
// request layer rather than waiting for response headers.
func (c *Config) RequestFileExts() []string {
	return c.getList(keyRequestFileExts, defaultRequestFileExts)
}

func (c *Config) SetRequestFileExts(exts []string) error {
	return c.setList(keyRequestFileExts, exts)
}

// MediaTypes are the content-type prefixes the agent sniffs for media
// detection.
func (c *Config) MediaTypes() []string {
	return c.getList(keyMediaTypes, defaultMediaTypes)
}

func (c *Config) SetMediaTypes(types []string) error {
	return c.setList(keyMediaTypes, types)
}

// TabsWatcher lists host patterns whose tabs the agent watches for media.
func (c *Config) TabsWatcher() []string {
	return c.getList(keyTabsWatcher, nil)
}

func (c *Config) SetTabsWatcher(hosts []string) error {
	return c.setList(keyTabsWatcher, hosts)
}

// MatchingHosts lists host patterns the agent always routes through the
// accelerator.
func (c *Config) MatchingHosts() []string {
	return c.getList(keyMatchingHosts, nil)
}

func (c *Config) SetMatchingHosts(hosts []string) error {
	return c.setList(keyMatchingHosts, hosts)
}

// FactoryReset drops every stored setting so the defaults apply again.
func (c *Config) FactoryReset() error {
	return c.store.db.Where("1 = 1").Delete(&AppSetting{}).Error
}

var (
	defaultFileExts = []string{
		".zip", ".rar", ".7z", ".tar", ".gz", ".iso",
		".exe", ".msi", ".dmg", ".pkg", ".deb",
		".mp4", ".mkv", ".avi", ".mp3", ".flac",
		".pdf", ".docx", ".xlsx", ".pptx",
	}
	defaultRequestFileExts = []string{".m3u8", ".mpd", ".ts", ".mp4", ".webm"}
	defaultMediaTypes      = []string{"video/", "audio/", "application/vnd.apple.mpegurl", "application/dash+xml"}
)

func (c *Config) getList(key string, def []string) []string {
	val, err := c.store.GetString(key)
	if err != nil || val == "" {
		return def
	}
	var out []string
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		return def
	}
	return out
}

func (c *Config) setList(key string, vals []string) error {
	b, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	return c.store.SetString(key, string(b))
}

func (c *Config) getBoolDefault(key string, def bool) bool {
	val, err := c.store.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *Config) setBool(key string, v bool) error {
	val := "false"
	if v {
		val = "true"
	}
	return c.store.SetString(key, val)
}

func (c *Config) getIntDefault(key string, def int) int {
	valStr, err := c.store.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func generateSecureToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
