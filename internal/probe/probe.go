// Package probe is the HEAD-based reconnaissance step that learns a
// Download's total size, range support, and best-effort filename before any
// Segment Worker is spawned.
package probe

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// ProductUserAgent is set on every outbound request the engine makes.
const ProductUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) QDM/1.0"

const maxRedirects = 5

// Result is the outcome of a successful (or soft-failed) Probe.
type Result struct {
	FinalURL  string
	TotalSize int64 // model.UnknownSize if unknown
	Resumable bool
	FileName  string
}

// Client issues probes; wraps an *http.Client so tests can inject one with a
// short timeout pointed at an httptest.Server.
type Client struct {
	HTTPClient *http.Client
}

// New returns a Client with a 15s per-hop timeout.
func New() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

// Probe issues a HEAD against rawURL, following up to 5 redirects, and
// returns the best information it could gather. A transport or status error
// is a soft failure: the caller receives a best-effort Result alongside a
// non-nil error rather than losing the URL entirely, and may proceed with
// unknown size and resumable=false.
func (c *Client) Probe(ctx context.Context, rawURL string, headers map[string]string) (Result, error) {
	current := rawURL
	var lastResp *http.Response

	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, current, nil)
		if err != nil {
			return fallback(rawURL), fmt.Errorf("probe: build request: %w", err)
		}
		applyHeaders(req, headers)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fallback(current), fmt.Errorf("probe: request failed: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			if loc == "" {
				return fallback(current), fmt.Errorf("probe: redirect without Location")
			}
			next, err := resolveLocation(current, loc)
			if err != nil {
				return fallback(current), fmt.Errorf("probe: bad redirect target: %w", err)
			}
			current = next
			continue
		}
		if resp.StatusCode >= 400 {
			return fallback(current), fmt.Errorf("probe: status %d", resp.StatusCode)
		}

		lastResp = resp
		break
	}

	if lastResp == nil {
		return fallback(current), fmt.Errorf("probe: exceeded %d redirects", maxRedirects)
	}

	result := Result{FinalURL: current, TotalSize: -1}
	if cl := lastResp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			result.TotalSize = n
		}
	}
	acceptRanges := strings.Contains(strings.ToLower(lastResp.Header.Get("Accept-Ranges")), "bytes")
	result.Resumable = acceptRanges || result.TotalSize >= 0

	result.FileName = filenameFromDisposition(lastResp.Header.Get("Content-Disposition"))
	if result.FileName == "" {
		result.FileName = filenameFromURL(current, lastResp.Header.Get("Content-Type"))
	}

	return result, nil
}

func fallback(finalURL string) Result {
	return Result{FinalURL: finalURL, TotalSize: -1, Resumable: false}
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", ProductUserAgent)
}

func resolveLocation(currentURL, location string) (string, error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// filenameFromDisposition parses Content-Disposition by precedence:
// RFC 5987 filename*= first, then double-quoted filename=, then unquoted.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err == nil {
		if v, ok := params["filename*"]; ok {
			if name := decodeExtValue(v); name != "" {
				return name
			}
		}
		if v, ok := params["filename"]; ok && v != "" {
			return v
		}
	}

	// mime.ParseMediaType is strict about quoting; fall back to a permissive
	// scan for servers that send malformed but still recognizable headers.
	lower := strings.ToLower(header)
	if idx := strings.Index(lower, "filename*="); idx >= 0 {
		rest := header[idx+len("filename*="):]
		rest = strings.TrimSuffix(strings.SplitN(rest, ";", 2)[0], "")
		if name := decodeExtValue(strings.TrimSpace(rest)); name != "" {
			return name
		}
	}
	if idx := strings.Index(lower, "filename="); idx >= 0 {
		rest := strings.TrimSpace(header[idx+len("filename="):])
		rest = strings.SplitN(rest, ";", 2)[0]
		rest = strings.Trim(rest, `"'`)
		if rest != "" {
			return rest
		}
	}
	return ""
}

// decodeExtValue decodes an RFC 5987 ext-value: CHARSET'LANG'percent-encoded.
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	raw := v
	if len(parts) == 3 {
		raw = parts[2]
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func filenameFromURL(rawURL, contentType string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	leaf := path.Base(u.Path)
	if leaf == "" || leaf == "/" || leaf == "." {
		return ""
	}
	if decoded, err := url.QueryUnescape(leaf); err == nil {
		leaf = decoded
	}
	if path.Ext(leaf) == "" && contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
				leaf += exts[0]
			}
		}
	}
	return leaf
}

