package engine

import (
	"bytes"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudflareHackers/QDM/internal/eventbus"
	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/store"
	"github.com/CloudflareHackers/QDM/internal/testutil"
)

type testRig struct {
	engine  *Engine
	store   *store.Store
	bus     *eventbus.Bus
	saveDir string
	dataDir string
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(dataDir, testutil.Logger())
	require.NoError(t, err)
	bus := eventbus.New()
	return &testRig{
		engine:  New(testutil.Logger(), st, bus),
		store:   st,
		bus:     bus,
		saveDir: t.TempDir(),
		dataDir: dataDir,
	}
}

// waitTopic blocks until an event for the given download id arrives on
// topic, failing the test on timeout. Failure events arriving while waiting
// for completion fail fast with the recorded error.
func waitTopic(t *testing.T, sub *eventbus.Subscription, topic, id string, timeout time.Duration) model.Download {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-sub.C():
			require.True(t, ok, "subscription closed waiting for %s", topic)
			d, isDownload := evt.Data.(model.Download)
			if !isDownload || d.ID != id {
				continue
			}
			if evt.Topic == topic {
				return d
			}
			if topic == "download:completed" && evt.Topic == "download:failed" {
				t.Fatalf("download failed while waiting for completion: %s", d.LastError)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestKnownSizeResumableFourSegments(t *testing.T) {
	content := bytes.Repeat([]byte{0x5A}, 1000000)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
	})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(256)
	defer rig.bus.Unsubscribe(sub)

	d, err := rig.engine.Add(AddRequest{
		URL:         srv.URL + "/f.bin",
		SaveDir:     rig.saveDir,
		MaxSegments: 4,
		Autostart:   true,
	})
	require.NoError(t, err)

	done := waitTopic(t, sub, "download:completed", d.ID, 15*time.Second)

	require.Len(t, done.Segments, 4)
	for _, seg := range done.Segments {
		assert.Equal(t, int64(250000), seg.Length)
		assert.Equal(t, model.SegmentFinished, seg.State)
	}
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, int64(1000000), done.Downloaded)

	final, err := os.ReadFile(filepath.Join(rig.saveDir, done.FileName))
	require.NoError(t, err)
	assert.Equal(t, content, final)

	// Scratch is gone after a successful assembly.
	_, err = os.Stat(rig.store.ScratchDir(d.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestUnknownSizeNonResumableSingleSegment(t *testing.T) {
	content := testutil.DeterministicContent(7, 12345)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{Content: content})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(256)
	defer rig.bus.Unsubscribe(sub)

	d, err := rig.engine.Add(AddRequest{
		URL:       srv.URL + "/stream",
		SaveDir:   rig.saveDir,
		Autostart: true,
	})
	require.NoError(t, err)

	done := waitTopic(t, sub, "download:completed", d.ID, 15*time.Second)

	require.Len(t, done.Segments, 1)
	assert.Equal(t, model.UnknownSize, done.Segments[0].Length)
	assert.Equal(t, int64(12345), done.Segments[0].Downloaded)

	final, err := os.ReadFile(filepath.Join(rig.saveDir, done.FileName))
	require.NoError(t, err)
	assert.Equal(t, content, final)
}

func TestPauseResumeByteIdentical(t *testing.T) {
	content := testutil.DeterministicContent(42, 4*1024*1024)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
	})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(1024)
	defer rig.bus.Unsubscribe(sub)

	// Throttle so the transfer is still in flight when pause lands.
	rig.engine.SetSpeedLimit(2 * 1024 * 1024)

	d, err := rig.engine.Add(AddRequest{
		URL:         srv.URL + "/big.bin",
		SaveDir:     rig.saveDir,
		MaxSegments: 4,
		Autostart:   true,
	})
	require.NoError(t, err)

	waitTopic(t, sub, "download:started", d.ID, 5*time.Second)
	time.Sleep(50 * time.Millisecond)

	pauseStart := time.Now()
	require.NoError(t, rig.engine.Pause(d.ID))
	assert.Less(t, time.Since(pauseStart), 2*time.Second, "pause must tear workers down promptly")

	paused := rig.engine.Get(d.ID)
	require.NotNil(t, paused)
	assert.Equal(t, model.StatusPaused, paused.Status)
	downloadedAtPause := paused.Downloaded

	// No part-file grows once pause has returned.
	sizes := partSizes(t, rig.store.ScratchDir(d.ID))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sizes, partSizes(t, rig.store.ScratchDir(d.ID)))

	rig.engine.SetSpeedLimit(0)
	require.NoError(t, rig.engine.Resume(d.ID))
	done := waitTopic(t, sub, "download:completed", d.ID, 30*time.Second)

	assert.GreaterOrEqual(t, done.Downloaded, downloadedAtPause, "bytes never regress across a pause")

	final, err := os.ReadFile(filepath.Join(rig.saveDir, done.FileName))
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(content), sha256.Sum256(final))
}

func partSizes(t *testing.T, scratch string) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return out
	}
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		out[e.Name()] = info.Size()
	}
	return out
}

func TestTransientFailureThenRetry(t *testing.T) {
	content := testutil.DeterministicContent(9, 600000)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
		FailFirstHit: true,
	})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(512)
	defer rig.bus.Unsubscribe(sub)

	d, err := rig.engine.Add(AddRequest{
		URL:         srv.URL + "/flaky.bin",
		SaveDir:     rig.saveDir,
		MaxSegments: 2,
		Autostart:   true,
	})
	require.NoError(t, err)

	failed := waitTopic(t, sub, "download:failed", d.ID, 15*time.Second)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Contains(t, failed.LastError, "503")

	require.NoError(t, rig.engine.Retry(d.ID))
	done := waitTopic(t, sub, "download:completed", d.ID, 15*time.Second)

	final, err := os.ReadFile(filepath.Join(rig.saveDir, done.FileName))
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256(content), sha256.Sum256(final))
}

func TestCrashRecoveryResumesFromPartFiles(t *testing.T) {
	content := testutil.DeterministicContent(1234, 500000)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
	})
	defer srv.Close()

	dataDir := t.TempDir()
	saveDir := t.TempDir()

	// A record left mid-flight by a dead process: segment 0 finished on
	// disk, segment 1 has more bytes on disk than the catalog ever saw
	// flushed (the crash window).
	half := int64(250000)
	d := &model.Download{
		ID:        "crashed",
		SourceURL: srv.URL + "/file.bin",
		FileName:  "file.bin",
		SaveDir:   saveDir,
		TotalSize: 500000,
		Resumable: true,
		Status:    model.StatusDownloading,
		Segments: []*model.Segment{
			{ID: "seg-0", Offset: 0, Length: half, Downloaded: half, State: model.SegmentFinished},
			{ID: "seg-1", Offset: half, Length: half, Downloaded: 80000, State: model.SegmentRunning},
		},
		MaxSegments: 2,
		Downloaded:  half + 80000,
	}

	st, err := store.Open(dataDir, testutil.Logger())
	require.NoError(t, err)
	require.NoError(t, st.SaveDownload(d))

	scratch := st.ScratchDir(d.ID)
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "seg-0.part"), content[:half], 0o644))
	// 100000 bytes on disk vs 80000 persisted: the tail must be discarded.
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "seg-1.part"), content[half:half+100000], 0o644))

	// Fresh process: reload the catalog.
	st2, err := store.Open(dataDir, testutil.Logger())
	require.NoError(t, err)
	reloaded := st2.GetDownload(d.ID)
	require.NotNil(t, reloaded)
	assert.Equal(t, model.StatusPaused, reloaded.Status)

	bus := eventbus.New()
	eng := New(testutil.Logger(), st2, bus)
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	require.NoError(t, eng.Resume(d.ID))
	done := waitTopic(t, sub, "download:completed", d.ID, 15*time.Second)

	final, err := os.ReadFile(filepath.Join(saveDir, done.FileName))
	require.NoError(t, err)
	assert.Equal(t, content, final)
}

func TestCrossHostRedirectDropsCredentials(t *testing.T) {
	content := testutil.DeterministicContent(5, 300000)

	var gotCookie, gotAuth, gotCustom string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gotCookie = r.Header.Get("Cookie")
			gotAuth = r.Header.Get("Authorization")
			gotCustom = r.Header.Get("X-Custom")
		}
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "300000")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/real.bin", http.StatusFound)
	}))
	defer origin.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(256)
	defer rig.bus.Unsubscribe(sub)

	d, err := rig.engine.Add(AddRequest{
		URL:     origin.URL + "/file.bin",
		SaveDir: rig.saveDir,
		Headers: map[string]string{
			"Cookie":   "session=secret",
			"X-Custom": "kept",
		},
		MaxSegments: 1,
		Autostart:   true,
	})
	require.NoError(t, err)

	done := waitTopic(t, sub, "download:completed", d.ID, 15*time.Second)

	// The probe followed the redirect, so the record's URL is the target's.
	assert.Contains(t, done.SourceURL, target.URL)
	assert.Empty(t, gotCookie, "Cookie must not cross authorities")
	assert.Empty(t, gotAuth)
	assert.Equal(t, "kept", gotCustom)
}

func TestOutboundHeaderHygiene(t *testing.T) {
	content := testutil.DeterministicContent(3, 1024)

	var sawIfNoneMatch, sawTE bool
	var sawRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			sawIfNoneMatch = r.Header.Get("If-None-Match") != ""
			sawTE = r.Header.Get("TE") != ""
			sawRange = r.Header.Get("Range")
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1024")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(256)
	defer rig.bus.Unsubscribe(sub)

	d, err := rig.engine.Add(AddRequest{
		URL:     srv.URL + "/f",
		SaveDir: rig.saveDir,
		Headers: map[string]string{
			"If-None-Match": `"etag"`,
			"TE":            "trailers",
			"Range":         "bytes=999-1000",
		},
		MaxSegments: 1,
		Autostart:   true,
	})
	require.NoError(t, err)

	waitTopic(t, sub, "download:completed", d.ID, 15*time.Second)

	assert.False(t, sawIfNoneMatch, "conditional headers are stripped")
	assert.False(t, sawTE, "hop-by-hop headers are stripped")
	assert.Equal(t, "bytes=0-1023", sawRange, "the worker owns Range")
}

func TestCancelDeletesScratch(t *testing.T) {
	content := testutil.DeterministicContent(11, 2*1024*1024)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
	})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(512)
	defer rig.bus.Unsubscribe(sub)

	rig.engine.SetSpeedLimit(1024 * 1024)

	d, err := rig.engine.Add(AddRequest{
		URL:         srv.URL + "/x.bin",
		SaveDir:     rig.saveDir,
		MaxSegments: 2,
		Autostart:   true,
	})
	require.NoError(t, err)

	waitTopic(t, sub, "download:started", d.ID, 5*time.Second)
	require.NoError(t, rig.engine.Cancel(d.ID))

	got := rig.engine.Get(d.ID)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusStopped, got.Status)

	_, err = os.Stat(rig.store.ScratchDir(d.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestStartWhileActiveReturnsBusy(t *testing.T) {
	content := testutil.DeterministicContent(21, 2*1024*1024)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
	})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(512)
	defer rig.bus.Unsubscribe(sub)

	rig.engine.SetSpeedLimit(1024 * 1024)

	d, err := rig.engine.Add(AddRequest{
		URL:       srv.URL + "/y.bin",
		SaveDir:   rig.saveDir,
		Autostart: true,
	})
	require.NoError(t, err)

	waitTopic(t, sub, "download:started", d.ID, 5*time.Second)
	assert.ErrorIs(t, rig.engine.Start(d.ID), ErrBusy)

	require.NoError(t, rig.engine.Cancel(d.ID))
}

func TestProgressEventsMonotonic(t *testing.T) {
	content := testutil.DeterministicContent(77, 1024*1024)
	srv := testutil.NewRangeServer(testutil.RangeServerOptions{
		Content:      content,
		AcceptRanges: true,
		KnownLength:  true,
	})
	defer srv.Close()

	rig := newRig(t)
	sub := rig.bus.Subscribe(1024)
	defer rig.bus.Unsubscribe(sub)

	rig.engine.SetSpeedLimit(1024 * 1024)

	d, err := rig.engine.Add(AddRequest{
		URL:         srv.URL + "/m.bin",
		SaveDir:     rig.saveDir,
		MaxSegments: 4,
		Autostart:   true,
	})
	require.NoError(t, err)

	var last int64 = -1
	deadline := time.After(30 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			snap, ok := evt.Data.(model.Download)
			if !ok || snap.ID != d.ID {
				continue
			}
			switch evt.Topic {
			case "download:progress":
				assert.GreaterOrEqual(t, snap.Downloaded, last)
				last = snap.Downloaded
			case "download:completed":
				return
			case "download:failed":
				t.Fatalf("download failed: %s", snap.LastError)
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
}
