package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intercomd/intercomd/internal/api"
	"github.com/intercomd/intercomd/internal/api/middleware"
	"github.com/intercomd/intercomd/internal/ari"
	"github.com/intercomd/intercomd/internal/config"
	"github.com/intercomd/intercomd/internal/orchestrator"
	"github.com/intercomd/intercomd/internal/push"
	"github.com/intercomd/intercomd/internal/realtime"
	"github.com/intercomd/intercomd/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stdout)))

	slog.Info("starting intercomd",
		"http_port", cfg.HTTPPort,
		"ari_app", cfg.ARIApp,
		"ring_timeout_sec", cfg.RingTimeoutSec,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Realtime store: migrations, endpoint templates, recipient user row.
	directory, err := realtime.Open(cfg.PostgresDSN())
	if err != nil {
		slog.Error("failed to open realtime store", "error", err)
		os.Exit(1)
	}
	defer directory.Close()

	if err := directory.EnsureTemplates(appCtx); err != nil {
		slog.Error("failed to ensure endpoint templates", "error", err)
		os.Exit(1)
	}
	if err := directory.EnsureUser(appCtx, cfg.DoorphoneRecipient); err != nil {
		slog.Error("failed to ensure recipient user", "error", err)
		os.Exit(1)
	}

	// Session store on redis.
	kv, err := session.NewRedisClient(appCtx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	sessions := session.NewStore(kv, cfg.CallTokenTTL(), cfg.RingTimeout())

	// Engine REST client plus endpoint event subscription.
	engine := ari.NewClient(cfg.ARIBaseURL(), cfg.ARIApp, cfg.ARIUser, cfg.ARIPassword)
	if err := engine.SubscribeEndpointEvents(appCtx); err != nil {
		slog.Error("failed to subscribe to endpoint events", "error", err)
		os.Exit(1)
	}

	// Push dispatcher; direct FCM only when a service account is configured.
	var fcm *push.FCMSender
	if cfg.FCMCredentials != "" {
		fcm, err = push.NewFCMSender(appCtx, cfg.FCMCredentials)
		if err != nil {
			slog.Error("failed to initialise fcm sender", "error", err)
			os.Exit(1)
		}
	}
	notifier := push.NewDispatcher(push.NewHTTPSender(cfg.PushURL, cfg.PushAccessToken), fcm)

	orch := orchestrator.New(engine, sessions, directory, notifier, orchestrator.Options{
		Domain:      cfg.ServerDomain,
		ServerIP:    cfg.ServerIP,
		Context:     cfg.ARIApp,
		Recipient:   cfg.DoorphoneRecipient,
		RingTimeout: cfg.RingTimeout(),
	})
	orch.StartJanitor(appCtx, orchestrator.SweepInterval, orchestrator.RetryInterval)

	// Event stream consumer with reconnect.
	stream := ari.NewStream(cfg.ARIWebSocketURL(), cfg.ARIUser, cfg.ARIPassword, orch.HandleEvent)
	go stream.Run(appCtx)

	// HTTP API.
	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Stop()

	baseURL := "https://" + cfg.ServerDomain
	handler := api.NewServer(orch, directory, "intercomd", baseURL, limiter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown: stop background loops, then drain HTTP.
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("intercomd stopped")
}
