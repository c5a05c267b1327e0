package engine

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/CloudflareHackers/QDM/internal/filesystem"
	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/segmenter"
)

const progressTick = 500 * time.Millisecond

// persistEveryNTicks throttles mid-flight catalog flushes; part-files on
// disk are the source of truth for resumable bytes, so a stale counter only
// costs a truncated tail on crash recovery, never corruption.
const persistEveryNTicks = 4

// teardown intent, set before the supervisor's context is cancelled so the
// settle step can tell a pause from a stop.
const (
	intentNone int32 = iota
	intentPause
	intentStop
)

// supervisor owns one Download for the lifetime of one start: it is the
// only goroutine that mutates the record while workers stream bytes and
// report deltas over the message channel.
type supervisor struct {
	e      *Engine
	d      *model.Download
	ctx    context.Context
	cancel context.CancelFunc
	intent int32 // atomic, one of intentNone/intentPause/intentStop
	done   chan struct{}

	lastErr error
}

func (s *supervisor) run() {
	d := s.d
	scratch := s.e.store.ScratchDir(d.ID)

	// The authority the caller handed credentials to, before any redirect
	// (probe-followed or worker-followed) can move the URL elsewhere.
	origAuthority := authority(d.SourceURL)

	if len(d.Segments) == 0 {
		s.probeAndSegment()
	} else {
		s.reconcileSegments(scratch)
	}

	direct := len(d.Segments) == 1 && d.Segments[0].Length == model.UnknownSize
	if !direct {
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			s.settleFailed(&WriteError{Err: err})
			return
		}
		if err := s.e.allocator.CheckSpace(scratch, d.TotalSize-d.Downloaded); err != nil {
			s.settleFailed(err)
			return
		}
	} else {
		if err := os.MkdirAll(d.SaveDir, 0o755); err != nil {
			s.settleFailed(&WriteError{Err: err})
			return
		}
		if d.Segments[0].Downloaded == 0 {
			// The worker appends straight to the final path; a leftover
			// artifact from an earlier run must not survive underneath it.
			os.Remove(d.FinalPath())
		}
	}

	d.Status = model.StatusDownloading
	d.LastError = ""
	s.persist()
	s.e.bus.Publish("download:started", s.snapshot())

	src := newSharedURL(d.SourceURL, origAuthority)
	msgs := make(chan workerMsg, 256)
	var wg sync.WaitGroup

	spawned := 0
	for i, seg := range d.Segments {
		if seg.Done() {
			continue
		}
		partPath := filepath.Join(scratch, seg.ID+".part")
		if direct {
			partPath = d.FinalPath()
		}
		job := segmentJob{
			seg:        i,
			partPath:   partPath,
			offset:     seg.Offset,
			length:     seg.Length,
			downloaded: seg.Downloaded,
			resumable:  d.Resumable,
			headers:    d.RequestHeaders,
			userAgent:  s.e.userAgent,
			source:     src,
		}
		wg.Add(1)
		spawned++
		go func(job segmentJob) {
			defer wg.Done()
			_ = s.e.runSegment(s.ctx, job, msgs)
		}(job)
	}

	if spawned == 0 && !d.AllSegmentsFinished() {
		s.settleFailed(&IOError{Reason: "no runnable segments"})
		return
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()
	lastBytes := d.Downloaded
	lastTick := time.Now()
	ticks := 0

	running := true
	for running {
		select {
		case m := <-msgs:
			s.apply(m)
		case <-workersDone:
			// Drain any deltas still buffered behind the close.
			for {
				select {
				case m := <-msgs:
					s.apply(m)
				default:
					running = false
				}
				if !running {
					break
				}
			}
		case now := <-ticker.C:
			elapsed := now.Sub(lastTick).Seconds()
			if elapsed > 0 {
				diff := d.Downloaded - lastBytes
				d.SpeedBps = float64(diff) / elapsed
				if s.e.stats != nil {
					s.e.stats.UpdateDownloadSpeed(int64(d.SpeedBps))
					s.e.stats.TrackDownloadBytes(diff)
				}
				if d.SpeedBps > 0 && d.TotalSize > 0 {
					d.ETASeconds = int64(float64(d.TotalSize-d.Downloaded) / d.SpeedBps)
				}
				lastBytes = d.Downloaded
				lastTick = now
			}
			ticks++
			if ticks%persistEveryNTicks == 0 {
				s.persist()
			}
			s.e.bus.Publish("download:progress", s.snapshot())
		}
	}

	// A redirect observed by any worker becomes the record's URL.
	d.SourceURL, _ = src.get()

	s.settle(scratch, direct)
	s.e.onSettled(d.ID)
}

// probeAndSegment runs the best-effort HEAD and computes the initial
// partition. A probe failure degrades to a single unknown-length segment
// rather than failing the download.
func (s *supervisor) probeAndSegment() {
	d := s.d
	res, err := s.e.prober.Probe(s.ctx, d.SourceURL, d.RequestHeaders)
	if err != nil {
		s.e.logger.Warn("probe failed, falling back to single connection",
			"id", d.ID, "error", err)
		d.TotalSize = model.UnknownSize
		d.Resumable = false
	} else {
		d.SourceURL = res.FinalURL
		d.TotalSize = res.TotalSize
		d.Resumable = res.Resumable
	}

	if d.FileName == "" {
		candidate := ""
		if err == nil {
			candidate = res.FileName
		}
		if candidate == "" {
			candidate = urlLeaf(d.SourceURL)
		}
		d.FileName = filesystem.SanitizeFileName(candidate, "download_"+d.ID)
	}
	d.Category = filesystem.Category(d.FileName)
	d.Segments = segmenter.Segment(d.TotalSize, d.Resumable, d.MaxSegments)
	d.RecomputeDownloaded()
}

func urlLeaf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	leaf := path.Base(u.Path)
	if leaf == "/" || leaf == "." {
		return ""
	}
	if decoded, err := url.QueryUnescape(leaf); err == nil {
		leaf = decoded
	}
	return leaf
}

// reconcileSegments prepares a resumed download: failed and stale-running
// segments become runnable again keeping their bytes, and every unfinished
// part-file is clamped to the persisted counter — the process may have died
// between a disk write and a catalog flush, and trusting the longer side
// would skip unfetched bytes. Finished parts are never touched.
func (s *supervisor) reconcileSegments(scratch string) {
	d := s.d
	for _, seg := range d.Segments {
		if seg.State == model.SegmentFinished {
			continue
		}
		partPath := filepath.Join(scratch, seg.ID+".part")

		if seg.Length == model.UnknownSize {
			// A non-resumable transfer restarts from zero; stale bytes at
			// the final path would be double-counted on append.
			seg.Downloaded = 0
			seg.State = model.SegmentNotStarted
			os.Remove(d.FinalPath())
			os.Remove(partPath)
			continue
		}

		if seg.State == model.SegmentFailed || seg.State == model.SegmentRunning {
			seg.State = model.SegmentNotStarted
		}

		fi, err := os.Stat(partPath)
		onDisk := int64(0)
		if err == nil {
			onDisk = fi.Size()
		}
		if onDisk < seg.Downloaded {
			seg.Downloaded = onDisk
		}
		if onDisk > seg.Downloaded {
			os.Truncate(partPath, seg.Downloaded)
		}
	}
	d.RecomputeDownloaded()
}

func (s *supervisor) apply(m workerMsg) {
	seg := s.d.Segments[m.seg]
	switch m.kind {
	case msgRunning:
		seg.State = model.SegmentRunning
	case msgDelta:
		seg.Downloaded += m.delta
		s.d.RecomputeDownloaded()
	case msgFinished:
		seg.State = model.SegmentFinished
	case msgFailed:
		seg.State = model.SegmentFailed
		s.lastErr = m.err
	}
}

// settle runs after every worker has returned: pause and stop intents win,
// then a fully finished set assembles, and anything else is a failure.
func (s *supervisor) settle(scratch string, direct bool) {
	d := s.d
	d.SpeedBps = 0
	d.ETASeconds = 0

	switch intent := s.intentValue(); intent {
	case intentPause:
		d.Status = model.StatusPaused
		s.persist()
		s.e.bus.Publish("download:paused", s.snapshot())
		return
	case intentStop:
		s.removeScratch(scratch, direct)
		d.Status = model.StatusStopped
		s.persist()
		s.e.bus.Publish("download:cancelled", s.snapshot())
		return
	}

	if d.AllSegmentsFinished() {
		if !direct {
			d.Status = model.StatusAssembling
			s.persist()
			if err := s.e.assemble(d, scratch); err != nil {
				s.settleFailed(err)
				return
			}
		}
		if d.TotalSize >= 0 {
			d.Downloaded = d.TotalSize
		}
		d.ProgressPct = 100
		now := time.Now()
		d.DateCompleted = &now
		d.Status = model.StatusCompleted
		s.persist()
		s.e.logger.Info("download completed", "id", d.ID, "file", d.FinalPath())
		if s.e.stats != nil {
			s.e.stats.TrackFileCompleted()
		}
		s.e.bus.Publish("download:completed", s.snapshot())
		return
	}

	s.settleFailed(s.lastErr)
}

func (s *supervisor) settleFailed(err error) {
	d := s.d
	d.Status = model.StatusFailed
	d.SpeedBps = 0
	if err != nil {
		d.LastError = err.Error()
	} else if d.LastError == "" {
		d.LastError = "download incomplete"
	}
	s.persist()
	s.e.logger.Error("download failed", "id", d.ID, "error", d.LastError)
	s.e.bus.Publish("download:failed", s.snapshot())
}

func (s *supervisor) removeScratch(scratch string, direct bool) {
	os.RemoveAll(scratch)
	if direct && s.d.Status != model.StatusCompleted {
		os.Remove(s.d.FinalPath())
	}
}

func (s *supervisor) persist() {
	if err := s.e.store.SaveDownload(s.d); err != nil {
		s.e.logger.Error("persist failed", "id", s.d.ID, "error", err)
	}
}

// snapshot copies the record for Event Bus consumers, which receive data by
// value and must never alias the supervisor-owned struct.
func (s *supervisor) snapshot() model.Download {
	cp := *s.d
	cp.Segments = make([]*model.Segment, len(s.d.Segments))
	for i, seg := range s.d.Segments {
		sc := *seg
		cp.Segments[i] = &sc
	}
	return cp
}
