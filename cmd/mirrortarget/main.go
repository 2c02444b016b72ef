// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

// Command mirrortarget runs the receiving end of a mirrored replication
// link: it opens the durable post office, starts the admin observability
// surface, and waits for a transport to hand it decoded events through
// mirror.NewHandler. Wiring an actual AMQP listener onto that handoff point
// is a transport-layer concern this command does not implement.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fluxmirror/target/admin"
	"github.com/fluxmirror/target/config"
	"github.com/fluxmirror/target/mirror"
	"github.com/fluxmirror/target/mirrormetrics"
	"github.com/fluxmirror/target/postoffice"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting mirror target",
		"listen_addr", cfg.Link.ListenAddr,
		"credit_window", cfg.Link.CreditWindow,
		"admin_enabled", cfg.Admin.Enabled)

	office, err := postoffice.Open(cfg.Storage.BadgerDir, cfg.Storage.InMemory, logger)
	if err != nil {
		logger.Error("failed to open post office", "error", err)
		os.Exit(1)
	}
	defer office.Close()

	counters := admin.NewCounters()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	var stream *admin.EventStream
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		stream, err = admin.NewEventStream(admin.StreamConfig{
			RateLimit:        cfg.Admin.StreamRateLimit,
			Burst:            cfg.Admin.StreamBurst,
			Compress:         cfg.Admin.CompressStream,
			BreakerThreshold: cfg.Admin.BreakerThreshold,
			BreakerTimeout:   cfg.Admin.BreakerTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to create admin event stream", "error", err)
			os.Exit(1)
		}
		adminServer = admin.New(admin.Config{
			Addr:            cfg.Admin.Addr,
			ShutdownTimeout: cfg.Link.ShutdownTimeout,
		}, counters, stream, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adminServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Otel.Enabled {
		shutdownOtel, err := mirrormetrics.InitProvider(cfg.Otel.ServiceName, cfg.Otel.ServiceVersion, cfg.Otel.Endpoint)
		if err != nil {
			logger.Error("failed to initialize OpenTelemetry", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shutdownOtel(shutdownCtx); err != nil {
					logger.Error("failed to shut down OpenTelemetry", "error", err)
				}
			}()
		}
	}

	sinks := admin.NewSinks(counters, stream)
	settings := mirror.LinkSettings{
		CreditWindow:        cfg.Link.CreditWindow,
		SenderSettleMode:    cfg.Link.SenderSettleMode,
		ReceiverSettleFirst: cfg.Link.ReceiverSettleFirst,
	}
	_, _ = newLinkDemux(office, settings, sinks, logger) // ready for a transport to drive via mirror.NewHandler

	logger.Info("mirror target ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	if stream != nil {
		stream.Close()
	}
	cancel()
	wg.Wait()
	logger.Info("mirror target stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// newLinkDemux assembles the component chain one inbound link needs: an
// AdminApplier, ReplayEngine and AckReconciler sharing office, wired
// through an EventDemux. A transport accepting a new link constructs its
// own mirror.Handler around the returned demux and the link's events
// channel, then passes that Handler to the returned handlerRef.
func newLinkDemux(office *postoffice.Office, settings mirror.LinkSettings, sinks *admin.Sinks, logger *slog.Logger) (*mirror.EventDemux, *handlerRef) {
	adminApplier := mirror.NewAdminApplier(office, logger, sinks.AdminSink())
	replayEngine := mirror.NewReplayEngine(office, settings, logger, sinks.ReplaySink())
	scope := mirror.NewControllerScope(defaultLinkID)

	handlerRef := &handlerRef{}
	ack := mirror.NewAckReconciler(office, office, logger, sinks.AckSink(), handlerRef.runOnHandler)
	demux := mirror.NewEventDemux(adminApplier, replayEngine, ack, scope, office, settings.RemoteMirrorID, logger)
	return demux, handlerRef
}

const defaultLinkID = "default"

// handlerRef breaks the construction cycle between AckReconciler (which
// needs a way to run continuations on the eventual Handler's goroutine)
// and Handler (which needs a fully wired EventDemux before it can be
// built). A transport wires SetHandler once its mirror.Handler exists.
type handlerRef struct {
	mu sync.Mutex
	h  *mirror.Handler
}

func (r *handlerRef) SetHandler(h *mirror.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.h = h
}

func (r *handlerRef) runOnHandler(fn func()) {
	r.mu.Lock()
	h := r.h
	r.mu.Unlock()
	if h == nil {
		fn()
		return
	}
	h.RunOnHandler(fn)
}
