package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/icscope/internal/agent"
	"github.com/dgnsrekt/icscope/internal/api"
	"github.com/dgnsrekt/icscope/internal/candid"
	"github.com/dgnsrekt/icscope/internal/capture"
	"github.com/dgnsrekt/icscope/internal/cdp"
	"github.com/dgnsrekt/icscope/internal/config"
	"github.com/dgnsrekt/icscope/internal/pipeline"
	"github.com/dgnsrekt/icscope/internal/relay"
	"github.com/dgnsrekt/icscope/internal/storage"
	"github.com/dgnsrekt/icscope/internal/store"
)

func main() {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		slog.Debug("log directory creation failed", "error", err)
	}

	logWriter := &lumberjack.Logger{
		Filename:   "logs/observer.log",
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting IC agent-protocol observer")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Configuration loaded",
		"cdp_address", cfg.CDPAddress,
		"cdp_port", cfg.CDPPort,
		"data_dir", cfg.DataDir,
		"archive_path", cfg.ArchivePath,
		"tab_url_filter", cfg.TabURLFilter,
		"reload_on_attach", cfg.ReloadOnAttach,
		"candid_service", cfg.CandidServiceURL,
		"api_addr", cfg.APIAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	correlations := agent.NewMemoryStore(cfg.CorrelationCapacity, cfg.CorrelationTTL)
	defer correlations.Close()

	var values agent.ValueDecoder = candid.HexPreview{}
	if cfg.CandidServiceURL != "" {
		values = candid.NewClient(cfg.CandidServiceURL)
	}

	archive, err := store.Open(cfg.ArchivePath)
	if err != nil {
		slog.Error("Failed to open call archive", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := archive.Close(); err != nil {
			slog.Warn("Archive close failed", "error", err)
		}
	}()

	callLog := storage.NewCallLog(cfg.DataDir, cfg.BufferSize, cfg.MaxFileSizeMB)
	defer func() {
		if err := callLog.Close(); err != nil {
			slog.Warn("Call log close failed", "error", err)
		}
	}()

	broker := relay.NewBroker()

	pipe := pipeline.New(
		agent.NewRequestDecoder(correlations, values),
		agent.NewResponseDecoder(correlations, values, agent.InsecureBypassVerifier{}),
		callLog, archive, relay.NewCallSink(broker),
	)

	tabRegistry := cdp.NewTabRegistry()
	httpCapture := capture.NewHTTPCapture(pipe, tabRegistry)
	defer httpCapture.Close()

	cdpClient := cdp.NewClient(cfg, httpCapture, tabRegistry)
	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("Failed to connect to browser", "error", err)
		slog.Info("Make sure Chromium is running with remote debugging enabled")
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Warn("CDP close failed", "error", err)
		}
	}()

	svc := api.NewObserverService(archive, pipe, broker)
	apiServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(svc, broker),
	}
	go func() {
		slog.Info("API listening", "addr", cfg.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	slog.Info("Observer running", "tabs", cdpClient.GetTabCount(), "output_dir", cfg.DataDir)
	slog.Info("Press Ctrl+C to stop")

	<-sigCh
	slog.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown failed", "error", err)
	}

	cancel()
	slog.Info("Observer stopped")
}
