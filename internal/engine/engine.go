// Package engine is the download core: per-download Supervisors that own
// the record and its state machine, Segment Workers streaming byte-ranges
// to part-files, and the Assembler that concatenates them into the final
// artifact. Workers never touch the Download struct; they report deltas on
// a channel the Supervisor drains, and the Supervisor is the sole writer of
// downloaded/progress/speed/status.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CloudflareHackers/QDM/internal/analytics"
	"github.com/CloudflareHackers/QDM/internal/eventbus"
	"github.com/CloudflareHackers/QDM/internal/filesystem"
	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/probe"
	"github.com/CloudflareHackers/QDM/internal/store"
)

const (
	defaultMaxSegments = 8
	maxSegmentCap      = 32
)

// Engine owns every active download in the process. One instance is shared
// by the Ingestion Endpoint, the queue manager, and any UI shell.
type Engine struct {
	logger     *slog.Logger
	store      *store.Store
	bus        *eventbus.Bus
	prober     *probe.Client
	httpClient *http.Client
	bufferPool *sync.Pool
	bandwidth  *BandwidthManager
	allocator  *filesystem.Allocator
	stats      *analytics.Manager

	userAgent   string
	maxSegments int
	settledFn   atomic.Value // func(id string)

	mu     sync.Mutex
	active map[string]*supervisor
}

func New(logger *slog.Logger, st *store.Store, bus *eventbus.Bus) *Engine {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxSegmentCap,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // raw bytes; decoding would break ranges
	}
	client := &http.Client{
		Transport: transport,
		// Redirects are followed manually by the worker so a Location
		// rewrite propagates to sibling workers.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Engine{
		logger:     logger,
		store:      st,
		bus:        bus,
		prober:     probe.New(),
		httpClient: client,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, BufferSize)
				return &b
			},
		},
		bandwidth:   NewBandwidthManager(),
		allocator:   filesystem.NewAllocator(),
		userAgent:   probe.ProductUserAgent,
		maxSegments: defaultMaxSegments,
		active:      make(map[string]*supervisor),
	}
}

// SetHTTPClient swaps the shared transport; tests inject one pointed at an
// httptest.Server with short timeouts.
func (e *Engine) SetHTTPClient(c *http.Client) {
	e.httpClient = c
	e.prober.HTTPClient = c
}

// SetSpeedLimit updates the process-wide byte-rate ceiling (0 = unlimited).
func (e *Engine) SetSpeedLimit(bytesPerSec int) {
	e.bandwidth.SetLimit(bytesPerSec)
}

// SetMaxSegments sets the default segment cap applied when Add is called
// without an explicit one. Clamped to [1, 32].
func (e *Engine) SetMaxSegments(n int) {
	e.maxSegments = clampSegments(n)
}

// SetStats wires the optional throughput/lifetime counters.
func (e *Engine) SetStats(m *analytics.Manager) {
	e.stats = m
}

// OnSettled registers a callback invoked after any download leaves the
// downloading/assembling states; the queue manager uses it to admit the
// next candidate without waiting for its periodic sweep.
func (e *Engine) OnSettled(fn func(id string)) {
	e.settledFn.Store(fn)
}

func (e *Engine) onSettled(id string) {
	if fn, ok := e.settledFn.Load().(func(id string)); ok && fn != nil {
		fn(id)
	}
}

func clampSegments(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxSegmentCap {
		return maxSegmentCap
	}
	return n
}

func (e *Engine) getBuffer() []byte {
	return *e.bufferPool.Get().(*[]byte)
}

func (e *Engine) putBuffer(b []byte) {
	e.bufferPool.Put(&b)
}

// AddRequest carries everything a caller can specify about a new download.
type AddRequest struct {
	URL         string
	FileName    string // optional override; wins over any probed name
	SaveDir     string
	Headers     map[string]string
	MaxSegments int // 0 = engine default
	QueueID     string
	Autostart   bool
}

// Add creates and persists a new Download in state queued, publishes
// download:added, and optionally starts it immediately.
func (e *Engine) Add(req AddRequest) (*model.Download, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("engine: empty URL")
	}
	if req.SaveDir == "" {
		return nil, fmt.Errorf("engine: empty save directory")
	}

	id := uuid.New().String()
	maxSeg := req.MaxSegments
	if maxSeg == 0 {
		maxSeg = e.maxSegments
	}

	fileName := ""
	if req.FileName != "" {
		fileName = filesystem.SanitizeFileName(req.FileName, "download_"+id)
	}

	d := &model.Download{
		ID:             id,
		SourceURL:      req.URL,
		RequestHeaders: req.Headers,
		FileName:       fileName,
		SaveDir:        req.SaveDir,
		TotalSize:      model.UnknownSize,
		Status:         model.StatusQueued,
		MaxSegments:    clampSegments(maxSeg),
		DateAdded:      time.Now(),
		Category:       filesystem.Category(fileName),
		QueueID:        req.QueueID,
	}

	if err := e.store.SaveDownload(d); err != nil {
		return nil, err
	}
	e.logger.Info("download added", "id", d.ID, "url", d.SourceURL)
	e.bus.Publish("download:added", *d)

	if req.Autostart {
		if err := e.Start(d.ID); err != nil {
			return d, err
		}
	}
	return d, nil
}

// Start spawns a Supervisor for the download. Valid from queued, paused and
// failed (retry resets state first and re-enters here). Returns ErrBusy if
// a supervisor for this id is already running or tearing down.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.active[id]; exists {
		return ErrBusy
	}
	d := e.store.GetDownload(id)
	if d == nil {
		return fmt.Errorf("engine: unknown download %q", id)
	}
	switch d.Status {
	case model.StatusQueued, model.StatusPaused, model.StatusFailed:
	default:
		return fmt.Errorf("engine: cannot start download in status %q", d.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := &supervisor{
		e:      e,
		d:      d,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.active[id] = sup
	go func() {
		sup.run()
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		// Closed only after the id is released, so a caller unblocked by a
		// pause can immediately start again without seeing ErrBusy.
		close(sup.done)
	}()
	return nil
}

func (s *supervisor) setIntent(v int32)  { atomic.StoreInt32(&s.intent, v) }
func (s *supervisor) intentValue() int32 { return atomic.LoadInt32(&s.intent) }

// Pause cancels every worker of an active download and blocks until the
// Supervisor has persisted the paused record. Pausing a queued download
// just rewrites its status.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	sup, active := e.active[id]
	e.mu.Unlock()

	if !active {
		d := e.store.GetDownload(id)
		if d == nil {
			return fmt.Errorf("engine: unknown download %q", id)
		}
		if d.Status == model.StatusQueued {
			d.Status = model.StatusPaused
			if err := e.store.SaveDownload(d); err != nil {
				return err
			}
			e.bus.Publish("download:paused", *d)
		}
		return nil
	}

	sup.setIntent(intentPause)
	sup.cancel()
	<-sup.done
	return nil
}

// Resume re-enters start for a paused download.
func (e *Engine) Resume(id string) error {
	return e.Start(id)
}

// Cancel tears the download down like Pause, then deletes the scratch
// directory and marks it stopped. Cancelling an inactive download cleans
// up its scratch directly.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	sup, active := e.active[id]
	e.mu.Unlock()

	if active {
		sup.setIntent(intentStop)
		sup.cancel()
		<-sup.done
		return nil
	}

	d := e.store.GetDownload(id)
	if d == nil {
		return fmt.Errorf("engine: unknown download %q", id)
	}
	os.RemoveAll(e.store.ScratchDir(id))
	d.Status = model.StatusStopped
	d.SpeedBps = 0
	if err := e.store.SaveDownload(d); err != nil {
		return err
	}
	e.bus.Publish("download:cancelled", *d)
	e.onSettled(id)
	return nil
}

// Retry resets every non-finished segment to a fresh state (bytes and all)
// and restarts a failed or stopped download. For a failed download, finished
// segments keep their part-files, so previously completed ranges are not
// refetched; a stopped download's scratch was deleted by Cancel, so every
// segment restarts.
func (e *Engine) Retry(id string) error {
	e.mu.Lock()
	if _, busy := e.active[id]; busy {
		e.mu.Unlock()
		return ErrBusy
	}
	d := e.store.GetDownload(id)
	e.mu.Unlock()

	if d == nil {
		return fmt.Errorf("engine: unknown download %q", id)
	}
	if d.Status != model.StatusFailed && d.Status != model.StatusStopped {
		return fmt.Errorf("engine: cannot retry download in status %q", d.Status)
	}

	scratch := e.store.ScratchDir(id)
	stopped := d.Status == model.StatusStopped
	for _, seg := range d.Segments {
		if seg.State == model.SegmentFinished && !stopped {
			continue
		}
		seg.State = model.SegmentNotStarted
		seg.Downloaded = 0
		os.Remove(filepath.Join(scratch, seg.ID+".part"))
	}
	d.RecomputeDownloaded()
	d.LastError = ""
	d.Status = model.StatusQueued
	if err := e.store.SaveDownload(d); err != nil {
		return err
	}
	return e.Start(id)
}

// Remove deletes a download's record and scratch. Only inactive downloads
// can be removed; pause or cancel an active one first.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	if _, busy := e.active[id]; busy {
		e.mu.Unlock()
		return ErrBusy
	}
	e.mu.Unlock()

	d := e.store.GetDownload(id)
	if d == nil {
		return fmt.Errorf("engine: unknown download %q", id)
	}
	os.RemoveAll(e.store.ScratchDir(id))
	if err := e.store.DeleteDownload(id); err != nil {
		return err
	}
	e.bus.Publish("download:removed", *d)
	e.onSettled(id)
	return nil
}

// Get returns the catalog record for id, or nil.
func (e *Engine) Get(id string) *model.Download {
	return e.store.GetDownload(id)
}

// All returns a snapshot of every known download.
func (e *Engine) All() []*model.Download {
	return e.store.AllDownloads()
}

// Shutdown pauses every active download and waits for its Supervisor,
// bounded by the context.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	sups := make([]*supervisor, 0, len(e.active))
	for _, sup := range e.active {
		sup.setIntent(intentPause)
		sup.cancel()
		sups = append(sups, sup)
	}
	e.mu.Unlock()

	for _, sup := range sups {
		select {
		case <-sup.done:
		case <-ctx.Done():
			return
		}
	}
}
