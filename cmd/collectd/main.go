// Package main implements the entry point for the field collection service.
// It wires one field session and serves it over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planurbi/fieldcollect/internal/auth"
	"github.com/planurbi/fieldcollect/internal/config"
	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/gps"
	"github.com/planurbi/fieldcollect/internal/server"
	"github.com/planurbi/fieldcollect/internal/session"
	"github.com/planurbi/fieldcollect/internal/telemetry"
	"github.com/planurbi/fieldcollect/internal/workflow"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Spans go to stderr so they do not interleave with the JSON logs
	if _, err := telemetry.InitTracer(telemetry.ServiceName, version, os.Stderr, cfg.IsDev()); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx, logger)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Events fan out to JetStream (when configured) and to websocket clients
	hub := server.NewHub(logger)
	go hub.Run()
	pub := event.Multi{event.NewNATSPublisher(cfg.NATSURL, logger), hub}
	defer pub.Close()

	// Without a token endpoint the operator supplies tokens over HTTP
	manual := auth.NewManualSource()
	sess, err := session.Open(ctx, cfg, manual, pub, logger)
	if err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()
	if cfg.TokenURL != "" {
		manual = nil
	}

	if sess.Reconciler != nil {
		res, err := sess.Reconciler.Run(ctx, sess.Dataset, sess.Ledger)
		if err != nil {
			logger.Warn("startup reconciliation failed", "error", err)
		} else {
			logger.Info("startup reconciliation done", "listed", res.Listed, "added", len(res.AddedIDs), "degraded", res.Degraded)
		}
	}

	// GPS readings are pushed by the device; the tracker keeps the last one
	feed := gps.NewFeed(gps.DefaultMaxAge)
	tracker := gps.NewTracker()
	tracker.Run(ctx, feed)

	wf := workflow.New(workflow.Config{
		FolderID:         cfg.FolderID,
		GPSTimeout:       cfg.GPSTimeout,
		AutoAdvanceDelay: cfg.AutoAdvanceDelay,
	}, workflow.Deps{
		Dataset:    sess.Dataset,
		Ledger:     sess.Ledger,
		Audit:      sess.Audit,
		Remote:     sess.Remote,
		Tokens:     sess.Tokens,
		Geolocator: feed,
		Publisher:  pub,
		Logger:     logger,
	})
	defer wf.Close()

	mux := server.NewMux(server.Deps{
		Store:      sess.Store,
		Dataset:    sess.Dataset,
		Ledger:     sess.Ledger,
		Audit:      sess.Audit,
		Reconciler: sess.Reconciler,
		Workflow:   wf,
		Feed:       feed,
		Tracker:    tracker,
		Tokens:     sess.Tokens,
		Manual:     manual,
		Hub:        hub,
		Logger:     logger,
	}, server.Options{
		MaxPhotoSize:     cfg.MaxPhotoSize,
		AllowedMimeTypes: cfg.AllowedMimeTypes,
	})

	// Uploads wait for the operator's credential, so there is no write timeout
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version,
			"store", cfg.Store, "remote", cfg.Remote, "properties", sess.Dataset.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if manual != nil {
		manual.Dismiss()
	}
	_ = hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server exited")
}
