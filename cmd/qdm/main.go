package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CloudflareHackers/QDM/internal/analytics"
	"github.com/CloudflareHackers/QDM/internal/engine"
	"github.com/CloudflareHackers/QDM/internal/eventbus"
	"github.com/CloudflareHackers/QDM/internal/ingest"
	"github.com/CloudflareHackers/QDM/internal/logger"
	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/queue"
	"github.com/CloudflareHackers/QDM/internal/security"
	"github.com/CloudflareHackers/QDM/internal/settings"
	"github.com/CloudflareHackers/QDM/internal/store"
)

// downloadBridge hands browser-posted downloads to the engine and tracks
// them in the default queue in the same step.
type downloadBridge struct {
	eng *engine.Engine
	qm  *queue.Manager
}

func (b *downloadBridge) Add(req engine.AddRequest) (*model.Download, error) {
	d, err := b.eng.Add(req)
	if err != nil {
		return d, err
	}
	if qerr := b.qm.Enqueue(d.ID, req.QueueID); qerr != nil {
		return d, qerr
	}
	return d, nil
}

func main() {
	bus := eventbus.New()

	log, err := logger.New(os.Stdout, bus)
	if err != nil {
		println("Error initializing logger:", err.Error())
		os.Exit(1)
	}

	cfgStore, err := settings.Open()
	if err != nil {
		log.Error("Error opening settings store", "error", err)
		os.Exit(1)
	}
	defer cfgStore.Close()
	cfg := settings.NewConfig(cfgStore)

	downloadDir, err := cfg.DownloadDir()
	if err != nil {
		log.Error("Error resolving download directory", "error", err)
		os.Exit(1)
	}

	catalog, err := store.Open(filepath.Join(downloadDir, ".qdm_data"), log)
	if err != nil {
		log.Error("Error opening catalog", "error", err)
		os.Exit(1)
	}

	eng := engine.New(log, catalog, bus)
	eng.SetMaxSegments(cfg.MaxSegmentsPerDownload())
	eng.SetSpeedLimit(cfg.SpeedLimitKBps() * 1024)
	eng.SetStats(analytics.NewManager(cfgStore, cfg.DownloadDir))

	// The default queue's cap tracks the configured ceiling.
	if q := catalog.GetQueue("default"); q != nil && q.MaxConcurrent != cfg.MaxConcurrentDownloads() {
		q.MaxConcurrent = cfg.MaxConcurrentDownloads()
		if err := catalog.SaveQueue(q); err != nil {
			log.Warn("failed to update default queue cap", "error", err)
		}
	}

	qm := queue.NewManager(log, catalog, bus, eng)
	eng.OnSettled(func(string) { qm.Kick() })

	ctx, stop := context.WithCancel(context.Background())
	go qm.Run(ctx)

	audit := security.NewAuditLogger(log, bus)
	defer audit.Close()

	srv := ingest.NewServer(log, cfg, audit, bus, &downloadBridge{eng: eng, qm: qm})
	if cfg.IngestionEnabled() {
		if err := srv.Start(); err != nil {
			log.Error("Error starting ingestion endpoint", "error", err)
			os.Exit(1)
		}
		if srv.Port() != cfg.IngestionPort() {
			log.Warn("ingestion port busy, bumped", "configured", cfg.IngestionPort(), "bound", srv.Port())
		}
	}

	log.Info("qdm running", "download_dir", downloadDir, "ingestion_port", srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	stop()
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng.Shutdown(shutdownCtx)
}
