// Package testutil provides small helpers shared by this repository's
// package tests: a discard logger and a deterministic pseudo-random content
// server used by the byte-integrity assertions.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Logger returns a *slog.Logger that discards everything, for tests that
// need to satisfy a constructor's logger parameter without asserting on it.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DeterministicContent returns n pseudo-random bytes generated by a simple
// xorshift stream seeded with seed, so two calls with the same arguments
// always produce byte-identical output.
func DeterministicContent(seed uint64, n int) []byte {
	out := make([]byte, n)
	x := seed
	if x == 0 {
		x = 1
	}
	for i := 0; i < n; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = byte(x)
	}
	return out
}

// RangeServerOptions configures NewRangeServer.
type RangeServerOptions struct {
	Content      []byte
	AcceptRanges bool
	KnownLength  bool
	FailFirstHit bool // the first ranged GET returns 503 once; probes are unaffected
	ContentType  string
}

// NewRangeServer starts an httptest.Server serving Content with
// configurable Range support: known vs. unknown size, resumable vs. not,
// and a one-shot transient 503 for retry tests.
func NewRangeServer(opt RangeServerOptions) *httptest.Server {
	var mu sync.Mutex
	var failedOnce bool
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opt.FailFirstHit && r.Method == http.MethodGet && r.Header.Get("Range") != "" {
			mu.Lock()
			first := !failedOnce
			failedOnce = true
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		content := opt.Content
		if opt.ContentType != "" {
			w.Header().Set("Content-Type", opt.ContentType)
		}
		if opt.AcceptRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		if opt.KnownLength && r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" || !opt.AcceptRanges {
			if opt.KnownLength {
				w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			}
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content)
			return
		}

		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if err != nil || end >= len(content) {
			end = len(content) - 1
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
}
