// Package model defines the data types shared by every component of the
// download engine: Download, Segment, Queue and MediaItem records, plus the
// small set of status enums that drive the Supervisor state machine.
package model

import (
	"path/filepath"
	"time"
)

// UnknownSize marks a Download or Segment whose length could not be
// determined (Probe failure, or a server that omits Content-Length).
const UnknownSize int64 = -1

// DownloadStatus enumerates the Download Supervisor's state machine states.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusAssembling  DownloadStatus = "assembling"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusStopped     DownloadStatus = "stopped"
)

// SegmentState enumerates the lifecycle of one Segment's part-file.
type SegmentState string

const (
	SegmentNotStarted SegmentState = "not_started"
	SegmentRunning    SegmentState = "running"
	SegmentFinished   SegmentState = "finished"
	SegmentFailed     SegmentState = "failed"
)

// MediaKind classifies a MediaItem reported by a browser agent.
type MediaKind string

const (
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
	MediaHLS     MediaKind = "hls"
	MediaDASH    MediaKind = "dash"
	MediaYouTube MediaKind = "youtube"
)

// Segment is one contiguous byte-range of a Download, fetched by its own
// Segment Worker. Offset and Length are absolute within the final file;
// Downloaded counts bytes already written to the segment's part-file.
type Segment struct {
	ID         string       `json:"id"`
	Offset     int64        `json:"offset"`
	Length     int64        `json:"length"`
	Downloaded int64        `json:"downloaded"`
	State      SegmentState `json:"state"`
}

// Done reports whether no further bytes are expected for this segment.
func (s *Segment) Done() bool {
	if s.Length == UnknownSize {
		return s.State == SegmentFinished
	}
	return s.State == SegmentFinished && s.Downloaded == s.Length
}

// Download is one remote artifact tracked end-to-end by the engine.
type Download struct {
	ID             string            `json:"id"`
	SourceURL      string            `json:"source_url"`
	RequestHeaders map[string]string `json:"request_headers"`
	FileName       string            `json:"file_name"`
	SaveDir        string            `json:"save_dir"`
	TotalSize      int64             `json:"total_size"`
	Resumable      bool              `json:"resumable"`
	Status         DownloadStatus    `json:"status"`
	Segments       []*Segment        `json:"segments"`
	MaxSegments    int               `json:"max_segments"`
	Downloaded     int64             `json:"downloaded"`
	ProgressPct    float64           `json:"progress_pct"`
	SpeedBps       float64           `json:"speed_bps"`
	ETASeconds     int64             `json:"eta_s"`
	DateAdded      time.Time         `json:"date_added"`
	DateCompleted  *time.Time        `json:"date_completed,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Category       string            `json:"category"`
	QueueID        string            `json:"queue_id"`
	Priority       int               `json:"priority"`
}

// FinalPath returns the absolute path of the assembled artifact.
func (d *Download) FinalPath() string {
	return filepath.Join(d.SaveDir, d.FileName)
}

// RecomputeDownloaded re-derives Downloaded from the segment set, so the
// record-level counter always equals the sum of its segments. Called by the
// Supervisor after every applied progress delta.
func (d *Download) RecomputeDownloaded() {
	var sum int64
	for _, s := range d.Segments {
		sum += s.Downloaded
	}
	d.Downloaded = sum
	if d.TotalSize > 0 {
		d.ProgressPct = float64(d.Downloaded) / float64(d.TotalSize) * 100
	}
}

// AllSegmentsFinished reports whether every segment reached SegmentFinished.
func (d *Download) AllSegmentsFinished() bool {
	if len(d.Segments) == 0 {
		return false
	}
	for _, s := range d.Segments {
		if !s.Done() {
			return false
		}
	}
	return true
}

// AnySegmentFailed reports whether at least one segment ended SegmentFailed.
func (d *Download) AnySegmentFailed() bool {
	for _, s := range d.Segments {
		if s.State == SegmentFailed {
			return true
		}
	}
	return false
}

// Schedule gates admission of a Queue's members to a weekly time-of-day
// window. A zero-value Schedule (nil on Queue) means always-admit.
type Schedule struct {
	StartHHMM string `json:"start_hhmm"`
	EndHHMM   string `json:"end_hhmm"`
	Days      []int  `json:"days"` // 0=Sunday .. 6=Saturday
}

// Queue is an ordered set of Download ids admitted under a shared
// concurrency cap and optional Schedule.
type Queue struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	MaxConcurrent int       `json:"max_concurrent"`
	DownloadIDs   []string  `json:"download_ids"`
	Schedule      *Schedule `json:"schedule,omitempty"`
}

// MediaItem is a URL reported by a browser agent as a candidate download.
type MediaItem struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	SourceTabURL string            `json:"source_tab_url"`
	TabID        int               `json:"tab_id"`
	URL          string            `json:"url"`
	Kind         MediaKind         `json:"kind"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	Headers      map[string]string `json:"headers"`
	Cookies      string            `json:"cookies"`
	DateAdded    time.Time         `json:"date_added"`
}
