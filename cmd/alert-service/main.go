package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/config"
	"github.com/PetoAdam/homenavi/alert-service/internal/correlate"
	"github.com/PetoAdam/homenavi/alert-service/internal/dedup"
	"github.com/PetoAdam/homenavi/alert-service/internal/dispatch"
	"github.com/PetoAdam/homenavi/alert-service/internal/engine"
	"github.com/PetoAdam/homenavi/alert-service/internal/httpapi"
	"github.com/PetoAdam/homenavi/alert-service/internal/ingest"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/mqtt"
	"github.com/PetoAdam/homenavi/alert-service/internal/observability"
	"github.com/PetoAdam/homenavi/alert-service/internal/realtime"
	"github.com/PetoAdam/homenavi/alert-service/internal/scheduler"
	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if missing := cfg.MissingRequired(); len(missing) > 0 {
		for _, key := range missing {
			slog.Error("missing required env", "key", key)
		}
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(ctx, "alert-service")
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	var latest *store.LatestCache
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unreachable, latest cache will retry", "addr", cfg.Redis.Addr, "error", err)
		}
		pingCancel()
		defer rdb.Close()
		latest = store.NewLatestCache(rdb, cfg.Redis.LatestTTL)
	}

	mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	senders := []dispatch.Sender{
		dispatch.NewTelegramSender(cfg.TelegramAPIURL, &http.Client{Timeout: cfg.Dispatch.Timeout}),
		dispatch.NewMQTTSender(mq, cfg.PublishPrefix),
	}
	smtpCfg := dispatch.SMTPConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
		DefaultTo: cfg.SMTP.To,
	}
	if smtpCfg.Enabled() {
		senders = append(senders, dispatch.NewEmailSender(smtpCfg))
	} else {
		slog.Info("smtp not configured, email alerts disabled")
	}
	disp := dispatch.New(repo, senders, dispatch.Options{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		Timeout:       cfg.Dispatch.Timeout,
		RatePerMinute: cfg.Dispatch.RatePerMinute,
	})
	disp.Start(ctx)

	hub := realtime.NewHub()
	opts := engine.Options{
		Correlator: correlate.New(correlate.DefaultWindows(cfg.CorrelationLookback, cfg.CorrelationLookahead)),
		Dedup:      dedup.New(cfg.DedupWindow),
		Dispatcher: disp,
		Commands:   mqtt.CommandNotifier{Pub: mq},
		Listeners:  []engine.AlertListener{hub.PublishAlert},
		DefaultSettings: model.TenantSettings{
			EmergencyPhone:   cfg.EmergencyPhone,
			TelegramBotToken: cfg.TelegramBotToken,
			TelegramChatID:   cfg.TelegramChatID,
			TelegramActive:   cfg.TelegramBotToken != "" && cfg.TelegramChatID != "",
			EmailTo:          cfg.SMTP.To,
			DailyLimitKWh:    cfg.DailyLimitKWh,
		},
		StoreTimeout:    cfg.StoreTimeout,
		WindowRetention: cfg.WindowRetention,
		MaxWindowEvents: cfg.WindowMaxEvents,
	}
	if latest != nil {
		opts.Latest = latest
	}
	eng := engine.New(repo, opts)

	validator, err := ingest.NewValidator()
	if err != nil {
		slog.Error("schema compile failed", "error", err)
		os.Exit(1)
	}
	ing := &ingest.Ingestor{Sink: eng, Validator: validator, Prefix: cfg.TelemetryPrefix, AllowRetains: cfg.IngestRetained}
	subTopic := ing.SubscriptionTopic()
	if err := mq.Subscribe(subTopic, func(m mqtt.Message) {
		ing.HandleMessage(ctx, m, time.Now().UTC())
	}); err != nil {
		slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
		os.Exit(1)
	}
	slog.Info("telemetry ingest subscribed", "topic", subTopic)

	sched, err := scheduler.New(repo, eng, scheduler.Options{EventRetention: cfg.EventRetention(), JobTimeout: cfg.StoreTimeout})
	if err != nil {
		slog.Error("scheduler setup failed", "error", err)
		os.Exit(1)
	}
	sched.Start()

	apiOpts := httpapi.Options{
		Stream:     hub,
		Acks:       hub,
		Metrics:    promHandler,
		Middleware: []func(http.Handler) http.Handler{observability.MetricsAndTracingMiddleware(tracer, "alert-service")},
	}
	if latest != nil {
		apiOpts.Latest = latest
	}
	srv := httpapi.New(repo, eng, validator, apiOpts)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("alert-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	sched.Stop()
	disp.Close()
	if err := shutdownObs(shutdownCtx); err != nil {
		slog.Warn("observability shutdown failed", "error", err)
	}
	cancel()
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
