package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// BufferSize is the copy buffer handed to each worker's read loop.
	BufferSize = 32 * 1024

	workerIdleTimeout = 30 * time.Second
	maxRedirects      = 5
)

// strippedHeaders are never forwarded from caller-supplied request headers:
// hop-by-hop, conditional, and body-framing headers the worker must own
// itself (it injects its own Range).
var strippedHeaders = map[string]struct{}{
	"accept":              {},
	"if-none-match":       {},
	"if-modified-since":   {},
	"authorization":       {},
	"proxy-authorization": {},
	"connection":          {},
	"expect":              {},
	"te":                  {},
	"upgrade":             {},
	"range":               {},
	"transfer-encoding":   {},
	"content-type":        {},
	"content-length":      {},
	"content-encoding":    {},
}

// credentialHeaders are additionally dropped once a redirect moves the
// request to a different authority than the one the caller supplied them
// for, so cookies and tokens never leak to CDN hops.
var credentialHeaders = []string{"Cookie", "Authorization"}

// sharedURL is the download's current source URL, shared by all sibling
// workers: a worker that follows a redirect rewrites it, and siblings pick
// up the new location on their next request.
type sharedURL struct {
	mu            sync.Mutex
	current       string
	origAuthority string
	credsDropped  bool
}

// newSharedURL seeds the shared location with the current URL and the
// authority the caller's credentials were supplied for. When the probe
// already followed a cross-authority redirect, the two differ and
// credentials are withheld from the very first request.
func newSharedURL(current, origAuthority string) *sharedURL {
	return &sharedURL{
		current:       current,
		origAuthority: origAuthority,
		credsDropped:  origAuthority != "" && authority(current) != origAuthority,
	}
}

func (s *sharedURL) get() (current string, credsDropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.credsDropped
}

func (s *sharedURL) set(next string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	if authority(next) != s.origAuthority {
		s.credsDropped = true
	}
}

func authority(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// msgKind discriminates the progress messages a worker sends its Supervisor.
type msgKind int

const (
	msgRunning msgKind = iota
	msgDelta
	msgFinished
	msgFailed
)

type workerMsg struct {
	seg   int
	kind  msgKind
	delta int64
	err   error
}

// segmentJob is one worker's immutable view of its assignment. The worker
// owns the part-file exclusively; everything it learns goes back to the
// Supervisor as workerMsg values.
type segmentJob struct {
	seg        int
	partPath   string
	offset     int64
	length     int64 // model.UnknownSize for single-segment non-resumable
	downloaded int64 // bytes already on disk, resumes from offset+downloaded
	resumable  bool
	headers    map[string]string
	userAgent  string
	source     *sharedURL
}

// runSegment fetches one byte-range to its part-file. It returns nil on a
// finished segment, errCancelled when torn down by the Supervisor, and a
// typed error otherwise. A finished or failed segment has already sent its
// final workerMsg before it returns; errCancelled sends no further message.
func (e *Engine) runSegment(ctx context.Context, job segmentJob, msgs chan<- workerMsg) error {
	fail := func(err error) error {
		msgs <- workerMsg{seg: job.seg, kind: msgFailed, err: err}
		return err
	}

	f, err := os.OpenFile(job.partPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fail(&WriteError{Err: err})
	}
	defer f.Close()

	resp, err := e.openSegmentStream(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return errCancelled
		}
		return fail(err)
	}
	defer resp.Body.Close()

	msgs <- workerMsg{seg: job.seg, kind: msgRunning}

	var body io.Reader = resp.Body
	remaining := int64(-1)
	if job.length >= 0 {
		remaining = job.length - job.downloaded
		body = io.LimitReader(resp.Body, remaining)
	}

	// The idle timer aborts the in-flight response when no bytes arrive for
	// workerIdleTimeout; each successful read pushes it out again.
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	idle := time.AfterFunc(workerIdleTimeout, cancelRead)
	defer idle.Stop()
	go func() {
		<-readCtx.Done()
		resp.Body.Close()
	}()

	buf := e.getBuffer()
	defer e.putBuffer(buf)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return errCancelled
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			idle.Reset(workerIdleTimeout)
			if err := e.bandwidth.Wait(ctx, n); err != nil {
				return errCancelled
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fail(&WriteError{Err: werr})
			}
			written += n64(n)
			msgs <- workerMsg{seg: job.seg, kind: msgDelta, delta: n64(n)}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return errCancelled
			}
			return fail(&IOError{Reason: "read failed", Err: readErr})
		}
	}

	total := job.downloaded + written
	if job.length >= 0 && total != job.length {
		return fail(&IOError{Reason: fmt.Sprintf("short_read: got %d of %d bytes", total, job.length)})
	}
	msgs <- workerMsg{seg: job.seg, kind: msgFinished}
	return nil
}

func n64(n int) int64 { return int64(n) }

// openSegmentStream issues the ranged GET, following up to maxRedirects
// manually so a Location rewrite becomes visible to sibling workers via the
// shared URL, and so credentials are dropped on a cross-authority hop.
func (e *Engine) openSegmentStream(ctx context.Context, job segmentJob) (*http.Response, error) {
	for hop := 0; hop <= maxRedirects; hop++ {
		current, credsDropped := job.source.get()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, &IOError{Reason: "build request", Err: err}
		}
		applyJobHeaders(req, job, credsDropped)

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, &IOError{Reason: "connect failed", Err: err}
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, &HTTPError{Status: resp.StatusCode}
			}
			base, err := url.Parse(current)
			if err != nil {
				return nil, &IOError{Reason: "bad current url", Err: err}
			}
			ref, err := url.Parse(loc)
			if err != nil {
				return nil, &IOError{Reason: "bad redirect target", Err: err}
			}
			job.source.set(base.ResolveReference(ref).String())
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &HTTPError{Status: resp.StatusCode}
		}
		return resp, nil
	}
	return nil, &IOError{Reason: fmt.Sprintf("exceeded %d redirects", maxRedirects)}
}

func applyJobHeaders(req *http.Request, job segmentJob, credsDropped bool) {
	for k, v := range job.headers {
		if _, strip := strippedHeaders[strings.ToLower(k)]; strip {
			continue
		}
		req.Header.Set(k, v)
	}
	if credsDropped {
		for _, h := range credentialHeaders {
			req.Header.Del(h)
		}
	}
	req.Header.Set("User-Agent", job.userAgent)
	if job.resumable && job.length > 0 {
		start := job.offset + job.downloaded
		end := job.offset + job.length - 1
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}
}
