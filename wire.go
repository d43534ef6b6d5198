package main

import (
	"context"
	"dispenser-watch/channel"
	"dispenser-watch/config"
	"dispenser-watch/dedup"
	"dispenser-watch/digest"
	"dispenser-watch/email"
	"dispenser-watch/history"
	"dispenser-watch/poll"
	"dispenser-watch/prefs"
	"dispenser-watch/route"
	"dispenser-watch/source"
	"dispenser-watch/storage"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// app holds the wired pipeline shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *storage.Store
	prefs      prefs.Store
	events     *history.Multi
	dedup      *dedup.Engine
	digests    *digest.Scheduler
	dispatcher *channel.Dispatcher
	source     source.Source
	monitor    *poll.Monitor

	closers []func() error
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Local() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// build wires every component from cfg. Callers must call close.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Snapshot storage
	var client *gcs.Client
	if cfg.Local() {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
	} else {
		client, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
	}
	a.store = storage.New(client, cfg.StorageBucket, cfg.LocalStorage, []byte(cfg.ScopeSalt), logger)

	// Preferences and history
	sinks := []history.Sink{history.Log{Logger: logger}}
	if cfg.DatabaseURL != "" {
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.prefs = prefs.NewPostgres(pool)
		sinks = append(sinks, history.NewPostgres(pool))
		logger.Info("Using Postgres for preferences and history")
	} else {
		a.prefs = prefs.NewFile(cfg.PrefsFile, logger)
		logger.Info("Using preferences file", "path", cfg.PrefsFile)
	}
	if cfg.HistoryFile != "" {
		f, err := history.OpenFile(cfg.HistoryFile)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, f.Close)
		sinks = append(sinks, f)
	}
	a.events = history.NewMulti(sinks...)

	// Channels
	provider, err := email.NewProvider(ctx, email.ProviderConfig{
		Kind:            cfg.EmailProvider,
		BrevoAPIKey:     cfg.BrevoAPIKey,
		FromAddr:        cfg.MailFrom,
		FromName:        cfg.MailFromName,
		CredentialsJSON: cfg.GoogleCredentialsJSON,
	}, logger)
	if err != nil {
		return nil, err
	}
	var notifier channel.Notifier = channel.ExecNotifier{}
	if cfg.DesktopMock {
		notifier = channel.LogNotifier{Logger: logger}
	}
	adapters := []channel.Adapter{
		channel.NewEmail(provider, logger),
		channel.NewPush(cfg.PushoverAppToken, logger),
		channel.NewDesktop(notifier, logger),
	}
	if cfg.TelegramToken != "" {
		tg, err := channel.NewTelegram(cfg.TelegramToken, channel.DefaultBotFactory, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, tg)
	} else {
		logger.Info("Telegram channel disabled (no TELEGRAM_TOKEN)")
	}
	dcfg := channel.DefaultDispatchConfig()
	dcfg.Timeout = cfg.SendTimeout
	dcfg.Attempts = uint(cfg.SendAttempts)
	a.dispatcher = channel.NewDispatcher(adapters, a.events, dcfg, logger)

	// Dedup, digests and routing
	a.dedup = dedup.New(dedup.Config{
		TTL: cfg.DedupTTL,
		Cooldowns: map[dedup.Category]time.Duration{
			dedup.CategoryScheduleChange: cfg.CooldownScheduleChange,
			dedup.CategoryDigest:         cfg.CooldownDigest,
		},
	}, logger)
	a.digests = digest.New(a.prefs, a.dispatcher, a.dedup, digest.Config{
		Location: cfg.Timezone,
		MaxAge:   cfg.DigestMaxAge,
		Journal:  a.store,
	}, logger)
	if _, err := a.digests.Restore(ctx); err != nil {
		return nil, err
	}
	router := route.New(a.digests, cfg.Timezone, logger)

	// Snapshot producer
	if cfg.SnapshotURL != "" {
		a.source = source.NewHTTP(&http.Client{Timeout: 30 * time.Second}, cfg.SnapshotURL, logger)
		logger.Info("Fetching snapshots over HTTP", "url", cfg.SnapshotURL)
	} else {
		a.source = source.NewDir(cfg.SnapshotDir, logger)
		logger.Info("Reading snapshots from directory", "path", cfg.SnapshotDir)
	}

	a.monitor = poll.New(a.source, a.store, a.prefs, a.dedup, router, a.digests, a.dispatcher, a.events, poll.Config{
		Concurrency: cfg.CheckConcurrency,
		MaxInterval: cfg.CheckMaxInterval,
	}, logger)
	return a, nil
}

func (a *app) close() {
	if a.digests != nil {
		a.digests.Shutdown(context.Background())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func isUnknownScope(err error) bool {
	return errors.Is(err, source.ErrUnknownScope)
}
