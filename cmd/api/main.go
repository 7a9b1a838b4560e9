package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"nyhetsjeger/api/internal/app"
	"nyhetsjeger/api/internal/config"
	"nyhetsjeger/api/internal/contacts"
	"nyhetsjeger/api/internal/dispatch"
	"nyhetsjeger/api/internal/email"
	"nyhetsjeger/api/internal/events"
	"nyhetsjeger/api/internal/identity"
	"nyhetsjeger/api/internal/metrics"
	"nyhetsjeger/api/internal/search"
	"nyhetsjeger/api/internal/session"
	"nyhetsjeger/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	directory := contacts.NewResolver(contacts.Default)
	if strings.TrimSpace(cfg.ContactsFile) != "" {
		directory, err = contacts.LoadFile(cfg.ContactsFile)
		if err != nil {
			return err
		}
		logger.Info("loaded contact directory", "path", cfg.ContactsFile, "contacts", directory.Len())
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var (
		tracker events.SeenTracker = events.NewMemoryTracker()
		binder  app.SessionBinder
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		tracker = redisStore
		binder = redisStore
		logger.Info("using redis for session state")
	} else {
		logger.Info("using process memory for session state")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, dataStore, logger)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		ReplyTo:  cfg.SMTPReplyTo,
	})
	if !mailer.IsConfigured() {
		logger.Warn("smtp not configured, dispatch will report failures")
	}

	eventLogger := events.NewLogger(dataStore, tracker, m, logger, cfg.EventQueueSize)

	service := app.New(app.Deps{
		Store:      dataStore,
		Search:     searchService,
		Identity:   identity.NewProvider(identity.NewVerifier(cfg.JWTSecret), dataStore),
		Binder:     binder,
		Contacts:   directory,
		Dispatcher: dispatch.New(dataStore, mailer, logger),
		Events:     eventLogger,
		Metrics:    m,
		Logger:     logger,
		SessionTTL: cfg.SessionTTL,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:     cfg.CORSOrigin,
		Logger:         logger,
		Metrics:        m,
		MetricsHandler: promhttp.Handler(),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eventLogger.Run(gctx)
	})
	g.Go(func() error {
		searchService.ReindexFromStore(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("nyhetsjeger api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
