// Package ingest is the loopback HTTP bridge browser agents talk to: they
// POST intercepted downloads and detected media streams here, and every
// response carries the current config snapshot plus the detected-media list
// so the agent stays in sync without a dedicated poll.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/CloudflareHackers/QDM/internal/engine"
	"github.com/CloudflareHackers/QDM/internal/eventbus"
	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/security"
	"github.com/CloudflareHackers/QDM/internal/settings"
)

// maxPortBumps bounds the bind retry when the default port is taken.
const maxPortBumps = 10

const readTimeout = 10 * time.Second

// Downloader is the slice of the engine the endpoint drives.
type Downloader interface {
	Add(req engine.AddRequest) (*model.Download, error)
}

// Message is one ingestion payload from a browser agent. Everything except
// the URL is optional; agents send whatever their interception layer saw.
type Message struct {
	URL             string            `json:"url"`
	File            string            `json:"file,omitempty"`
	Method          string            `json:"method,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	Cookie          string            `json:"cookie,omitempty"`
	TabURL          string            `json:"tabUrl,omitempty"`
	TabTitle        string            `json:"tabTitle,omitempty"`
	TabID           int               `json:"tabId,omitempty"`
	Vid             string            `json:"vid,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	ContentLength   int64             `json:"contentLength,omitempty"`
	Quality         string            `json:"quality,omitempty"`
}

// VideoItem is one detected-media row in the sync snapshot.
type VideoItem struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Info  string `json:"info"`
	TabID int    `json:"tabId"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
}

// SyncResponse is the config-plus-media snapshot every request answers
// with, so the agent learns setting changes without a dedicated endpoint.
type SyncResponse struct {
	Enabled         bool        `json:"enabled"`
	FileExts        []string    `json:"fileExts"`
	BlockedHosts    []string    `json:"blockedHosts"`
	RequestFileExts []string    `json:"requestFileExts"`
	MediaTypes      []string    `json:"mediaTypes"`
	TabsWatcher     []string    `json:"tabsWatcher"`
	MatchingHosts   []string    `json:"matchingHosts"`
	VideoList       []VideoItem `json:"videoList"`
}

// Server is the loopback-only listener.
type Server struct {
	logger     *slog.Logger
	cfg        *settings.Config
	audit      *security.AuditLogger
	bus        *eventbus.Bus
	downloader Downloader
	media      *MediaList
	router     *chi.Mux

	port     atomic.Int32
	listener net.Listener
}

func NewServer(logger *slog.Logger, cfg *settings.Config, audit *security.AuditLogger, bus *eventbus.Bus, downloader Downloader) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		audit:      audit,
		bus:        bus,
		downloader: downloader,
		media:      NewMediaList(),
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the routed handler so tests can serve it without binding
// a real port.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Media exposes the detected-media list for UI shells and tests.
func (s *Server) Media() *MediaList {
	return s.media
}

// Port returns the port actually bound, which may differ from the
// configured one after address-in-use bumps. Zero before Start succeeds.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Start binds 127.0.0.1 on the configured port, bumping upward a bounded
// number of times when the address is taken, and serves until Close.
func (s *Server) Start() error {
	base := s.cfg.IngestionPort()
	var ln net.Listener
	var err error
	for i := 0; i < maxPortBumps; i++ {
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("ingest: bind failed: %w", err)
		}
	}
	if ln == nil {
		return fmt.Errorf("ingest: no free port in [%d, %d]: %w", base, base+maxPortBumps-1, err)
	}

	s.listener = ln
	s.port.Store(int32(ln.Addr().(*net.TCPAddr).Port))
	s.logger.Info("ingestion endpoint listening", "addr", ln.Addr().String())

	srv := &http.Server{Handler: s.router, ReadTimeout: readTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ingestion endpoint stopped", "error", err)
		}
	}()
	return nil
}

// Close stops the listener; in-flight handlers finish on their own.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loopbackMiddleware)
	s.router.Use(s.tokenMiddleware)

	s.router.Post("/download", s.handleDownload)
	s.router.Post("/media", s.handleMedia)
	s.router.Post("/vid", s.handleVid)
	s.router.Post("/tab-update", s.handleTabUpdate)
	s.router.Post("/clear", s.handleClear)
	s.router.Post("/link", s.handleLink)
	s.router.Get("/sync", s.handleSync)
}

// corsMiddleware opens CORS wide — requests come from arbitrary browser
// origins — and marks every response non-cacheable.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-QDM-Token")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loopbackMiddleware rejects anything not arriving over the loopback
// interface, independent of the listener's own bind address.
func (s *Server) loopbackMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusForbidden, "External Access Denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenMiddleware checks the optional shared-secret header. A request that
// sends a header not matching the configured token is rejected; a request
// without the header passes. The configured token is generated on first
// read, so it is not empty in practice.
func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected, err := s.cfg.IngestionToken()
		if err == nil && expected != "" {
			if got := r.Header.Get("X-QDM-Token"); got != "" && got != expected {
				s.audit.Log("127.0.0.1", r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusUnauthorized, "Invalid Token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondSync(w http.ResponseWriter) {
	items := s.media.Snapshot()
	videoList := make([]VideoItem, 0, len(items))
	for _, item := range items {
		videoList = append(videoList, VideoItem{
			ID:    item.ID,
			Text:  item.Name,
			Info:  item.Description,
			TabID: item.TabID,
			Size:  item.Size,
			Type:  string(item.Kind),
		})
	}
	resp := SyncResponse{
		Enabled:         s.cfg.IngestionEnabled(),
		FileExts:        s.cfg.FileExts(),
		BlockedHosts:    s.cfg.BlockedHosts(),
		RequestFileExts: s.cfg.RequestFileExts(),
		MediaTypes:      s.cfg.MediaTypes(),
		TabsWatcher:     s.cfg.TabsWatcher(),
		MatchingHosts:   s.cfg.MatchingHosts(),
		VideoList:       videoList,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, reason string) {
	s.audit.Log("127.0.0.1", r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusBadRequest, reason)
	http.Error(w, reason, http.StatusBadRequest)
}

// accept applies the host blocklist and the extension / content-type
// allowlist to an intercepted download message.
func (s *Server) accept(msg Message) (ok bool, reason string) {
	u, err := url.Parse(msg.URL)
	if err != nil || u.Host == "" {
		return false, "unparseable url"
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range s.cfg.BlockedHosts() {
		if blocked != "" && strings.Contains(host, strings.ToLower(blocked)) {
			return false, "host blocked: " + host
		}
	}

	exts := s.cfg.FileExts()
	types := s.cfg.MediaTypes()
	if len(exts) == 0 && len(types) == 0 {
		return true, ""
	}

	leaf := msg.File
	if leaf == "" {
		leaf = path.Base(u.Path)
	}
	ext := strings.ToLower(path.Ext(leaf))
	for _, allowed := range exts {
		if ext != "" && ext == strings.ToLower(allowed) {
			return true, ""
		}
	}
	ct := strings.ToLower(msg.ContentType)
	for _, prefix := range types {
		if ct != "" && strings.HasPrefix(ct, strings.ToLower(prefix)) {
			return true, ""
		}
	}
	return false, "extension/content-type not allowed"
}

func buildRequestHeaders(msg Message) map[string]string {
	headers := make(map[string]string, len(msg.RequestHeaders)+2)
	for k, v := range msg.RequestHeaders {
		headers[k] = v
	}
	if msg.Cookie != "" {
		headers["Cookie"] = msg.Cookie
	}
	if msg.TabURL != "" {
		if _, has := headers["Referer"]; !has {
			headers["Referer"] = msg.TabURL
		}
	}
	return headers
}

// addFromMessage funnels one accepted message into the engine.
func (s *Server) addFromMessage(msg Message, autostart bool) (*model.Download, error) {
	saveDir, err := s.cfg.DownloadDir()
	if err != nil {
		return nil, err
	}
	return s.downloader.Add(engine.AddRequest{
		URL:       CanonicalMediaURL(msg.URL),
		FileName:  msg.File,
		SaveDir:   saveDir,
		Headers:   buildRequestHeaders(msg),
		Autostart: autostart,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.badRequest(w, r, "invalid JSON")
		return
	}
	if msg.URL == "" {
		s.badRequest(w, r, "url required")
		return
	}

	if ok, reason := s.accept(msg); !ok {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /download", http.StatusOK, "filtered: "+reason)
		s.respondSync(w)
		return
	}

	d, err := s.addFromMessage(msg, true)
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /download", http.StatusOK, "add failed: "+err.Error())
	} else {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /download", http.StatusOK, "added "+d.ID)
	}
	s.respondSync(w)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var msgs []Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		s.badRequest(w, r, "invalid JSON")
		return
	}
	added := 0
	for _, msg := range msgs {
		if msg.URL == "" {
			continue
		}
		if ok, _ := s.accept(msg); !ok {
			continue
		}
		if _, err := s.addFromMessage(msg, false); err == nil {
			added++
		}
	}
	s.audit.Log("127.0.0.1", r.UserAgent(), "POST /link", http.StatusOK, fmt.Sprintf("added %d of %d", added, len(msgs)))
	s.respondSync(w)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.badRequest(w, r, "invalid JSON")
		return
	}
	if msg.URL == "" {
		s.badRequest(w, r, "url required")
		return
	}

	canonical := CanonicalMediaURL(msg.URL)
	kind := classify(msg.URL, msg.ContentType, msg.TabURL)

	name := msg.File
	if name == "" {
		name = msg.TabTitle
	}
	if name == "" {
		if u, err := url.Parse(canonical); err == nil {
			name = path.Base(u.Path)
		}
	}

	item := &model.MediaItem{
		ID:           uuid.New().String(),
		Name:         name,
		Description:  msg.Quality,
		SourceTabURL: msg.TabURL,
		TabID:        msg.TabID,
		URL:          canonical,
		Kind:         kind,
		ContentType:  msg.ContentType,
		Size:         msg.ContentLength,
		Headers:      msg.RequestHeaders,
		Cookies:      msg.Cookie,
		DateAdded:    time.Now(),
	}
	if s.media.Add(item) {
		s.bus.Publish("media:added", *item)
	}
	s.respondSync(w)
}

func (s *Server) handleVid(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Vid string `json:"vid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, r, "invalid JSON")
		return
	}
	item := s.media.Get(body.Vid)
	if item == nil {
		s.badRequest(w, r, "unknown media id")
		return
	}
	s.bus.Publish("media:download", *item)
	s.respondSync(w)
}

func (s *Server) handleTabUpdate(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.badRequest(w, r, "invalid JSON")
		return
	}
	if msg.TabURL != "" && msg.TabTitle != "" {
		if s.media.RenameByTab(msg.TabURL, msg.TabTitle) > 0 {
			s.bus.Publish("media:updated", msg.TabURL)
		}
	}
	s.respondSync(w)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.media.Clear()
	s.bus.Publish("media:cleared", nil)
	s.respondSync(w)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.respondSync(w)
}
