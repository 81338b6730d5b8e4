package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/wm_agent/internal/api"
	"github.com/dgnsrekt/wm_agent/internal/auth"
	"github.com/dgnsrekt/wm_agent/internal/cdp"
	"github.com/dgnsrekt/wm_agent/internal/config"
	"github.com/dgnsrekt/wm_agent/internal/frames"
	"github.com/dgnsrekt/wm_agent/internal/journal"
	"github.com/dgnsrekt/wm_agent/internal/netutil"
	"github.com/dgnsrekt/wm_agent/internal/relay"
	"github.com/dgnsrekt/wm_agent/internal/router"
	"github.com/dgnsrekt/wm_agent/internal/stream"
	"github.com/dgnsrekt/wm_agent/internal/tabstate"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("Starting web monetization agent")
	slog.Info("Configuration loaded",
		"cdp_address", cfg.CDPAddress,
		"cdp_port", cfg.CDPPort,
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"receiver_url", cfg.ReceiverURL,
		"token_interval", cfg.TokenInterval,
		"data_dir", cfg.DataDir,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindAddrFallbacks, true)
	if err != nil {
		slog.Error("Failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	sessionJournal := journal.New(cfg.DataDir, cfg.BufferSize, cfg.MaxFileSizeMB)
	defer func() {
		if err := sessionJournal.Close(); err != nil {
			slog.Warn("Journal close failed", "error", err)
		}
	}()

	sseBroker := relay.NewBroker()
	sink := newEventSink(sessionJournal, sseBroker, cfg.NTFYEndpoint)

	authClient := auth.NewClient(cfg.AuthURL, cfg.AuthToken, nil)
	states := tabstate.NewStore()

	cdpClient := cdp.NewClient(cdp.Options{
		CDPURL:       cfg.GetCDPURL(),
		TabURLFilter: cfg.TabURLFilter,
		EvalTimeout:  cfg.EvalTimeout,
	})

	wireDialer := &stream.WireDialer{Endpoint: cfg.ReceiverURL}
	sessionRouter := router.New(router.Config{
		States:         states,
		Auth:           authClient,
		Messenger:      cdpClient,
		Dialer:         wireDialer,
		Sink:           sink,
		TokenInterval:  cfg.TokenInterval,
		RetryDelay:     cfg.RetryDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	})
	wireDialer.OnMoney = sessionRouter.HandleMoney

	frameBroker := frames.NewBroker()
	registry := frames.NewRegistry(cdpClient, frameBroker)
	cdpClient.AttachHandlers(registry, sessionRouter)

	go bridgeFrameEvents(frameBroker, sseBroker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("Failed to connect to browser", "error", err)
		slog.Info("Make sure the browser is running with remote debugging enabled")
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Warn("CDP close failed", "error", err)
		}
	}()

	if err := registry.Bootstrap(ctx); err != nil {
		slog.Warn("Frame bootstrap incomplete", "error", err)
	}

	svc := &agentService{
		client:   cdpClient,
		registry: registry,
		router:   sessionRouter,
		broker:   sseBroker,
	}
	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, sseBroker)}

	go func() {
		slog.Info("Agent API listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Agent API server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Agent API shutdown failed", "error", err)
	}
	cancel()
	slog.Info("Agent stopped")
}

// bridgeFrameEvents republishes frame lifecycle events on the SSE feed.
func bridgeFrameEvents(frameBroker *frames.Broker, sseBroker *relay.Broker) {
	id, ch := frameBroker.Subscribe()
	defer frameBroker.Unsubscribe(id)

	for evt := range ch {
		data, err := json.Marshal(evt)
		if err != nil {
			slog.Debug("Frame event marshal failed", "error", err)
			continue
		}
		sseBroker.Publish(relay.Event{Feed: "frames", Payload: string(data)})
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
