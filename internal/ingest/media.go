package ingest

import (
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/CloudflareHackers/QDM/internal/model"
)

// youtubeStripParams are segment-window query parameters YouTube players
// rotate per request. Stripping them makes every chunk of one stream hash
// to the same canonical URL, which is both the dedup key and the URL
// actually downloaded.
var youtubeStripParams = []string{"range", "rn", "rbuf"}

func isYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	return strings.Contains(host, "googlevideo.com") || strings.Contains(host, "youtube.com")
}

// CanonicalMediaURL normalizes a detected media URL: on YouTube hosts the
// per-chunk range parameters are removed; every other URL passes through
// unchanged.
func CanonicalMediaURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !isYouTubeHost(u.Host) {
		return raw
	}
	q := u.Query()
	for _, p := range youtubeStripParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// classify tags a reported URL per its content type, URL shape and tab of
// origin. Order matters: manifest formats beat the youtube host check so an
// HLS stream served from googlevideo still enqueues as a manifest.
func classify(rawURL, contentType, tabURL string) model.MediaKind {
	ct := strings.ToLower(contentType)

	u, _ := url.Parse(rawURL)
	urlPath := ""
	host := ""
	if u != nil {
		urlPath = strings.ToLower(u.Path)
		host = u.Host
	}

	switch {
	case strings.Contains(ct, "mpegurl") || strings.HasSuffix(urlPath, ".m3u8"):
		return model.MediaHLS
	case strings.Contains(ct, "dash+xml") || strings.HasSuffix(urlPath, ".mpd"):
		return model.MediaDASH
	}

	if isYouTubeHost(host) {
		return model.MediaYouTube
	}
	if tu, err := url.Parse(tabURL); err == nil && isYouTubeHost(tu.Host) {
		return model.MediaYouTube
	}
	if strings.HasPrefix(ct, "audio") {
		return model.MediaAudio
	}
	return model.MediaVideo
}

// MediaList holds detected media pending user action. It lives only as
// long as the process; browser agents repopulate it as they re-detect.
type MediaList struct {
	mu    sync.Mutex
	items []*model.MediaItem
	byURL map[string]*model.MediaItem
}

func NewMediaList() *MediaList {
	return &MediaList{byURL: make(map[string]*model.MediaItem)}
}

// Add inserts an item keyed by its (already canonical) URL. A duplicate
// URL refreshes nothing and reports false.
func (l *MediaList) Add(item *model.MediaItem) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byURL[item.URL]; dup {
		return false
	}
	l.byURL[item.URL] = item
	l.items = append(l.items, item)
	return true
}

// Get returns the item with the given id, or nil.
func (l *MediaList) Get(id string) *model.MediaItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// Snapshot returns the items by value, in insertion order.
func (l *MediaList) Snapshot() []model.MediaItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.MediaItem, len(l.items))
	for i, item := range l.items {
		out[i] = *item
	}
	return out
}

// Clear empties the list. Clearing an empty list is a no-op.
func (l *MediaList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.byURL = make(map[string]*model.MediaItem)
}

// RenameByTab renames every item detected from the given tab, keeping each
// item's original extension so a page-title rename never breaks the file
// type. Returns how many items changed.
func (l *MediaList) RenameByTab(tabURL, name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := 0
	for _, item := range l.items {
		if item.SourceTabURL != tabURL {
			continue
		}
		ext := path.Ext(item.Name)
		item.Name = name + ext
		changed++
	}
	return changed
}
