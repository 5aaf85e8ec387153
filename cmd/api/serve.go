package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"huddle/api/internal/app"
	"huddle/api/internal/attachments"
	"huddle/api/internal/canvas"
	"huddle/api/internal/config"
	"huddle/api/internal/email"
	"huddle/api/internal/metrics"
	"huddle/api/internal/netguard"
	"huddle/api/internal/presence"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/session"
	"huddle/api/internal/store"
)

const (
	shutdownGrace   = 10 * time.Second
	janitorInterval = time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	ctx := cmd.Context()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		return err
	}
	if err := metrics.RegisterDB(db); err != nil {
		logger.Warn("database metrics not registered", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	deps := app.Deps{Logger: logger}
	var broker realtime.Broker
	if cfg.RedisConfigured() {
		logger.Info("using redis for sessions, presence and fan-out")
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		deps.Sessions = session.NewRedisStoreWithClient(client)
		deps.Presence = presence.NewRedisTracker(client)
		broker = realtime.NewRedisBroker(client, logger.Named("broker"))
	} else {
		logger.Info("redis not configured, running single-node")
		deps.Presence = presence.NewMemoryTracker()
		broker = realtime.NewLocalBroker()
	}
	deps.Publisher = broker

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	deps.Search = search.NewService(primaryBackend(meili), search.NewPgFTS(db), logger)

	if objects := openObjectStore(ctx, cfg, logger); objects != nil {
		deps.Objects = objects
	}

	if err := os.MkdirAll(cfg.CanvasDir, 0o755); err != nil {
		return err
	}
	deps.Canvas = canvas.New(cfg.CanvasDir)

	if cfg.SMTPConfigured() {
		deps.Email = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	} else {
		logger.Info("smtp not configured, tokens are returned in responses")
	}

	service, err := app.New(cfg, dataStore, deps)
	if err != nil {
		return err
	}
	defer service.Close()

	hub := realtime.NewHub(realtime.WithHubLogger(logger.Named("hub")))
	defer hub.Close()
	ws := realtime.NewServer(hub, service.RealtimeBackend(), broker, deps.Presence, logger.Named("realtime"), realtime.Options{
		SendRate:       cfg.WSSendRate,
		SendBurst:      cfg.WSSendBurst,
		OutboundBuffer: cfg.WSOutboundBuffer,
		AllowedOrigins: cfg.CORSOrigins,
		MapError:       app.MapRealtimeError,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		Realtime:    ws,
		CORSOrigins: cfg.CORSOrigins,
		Guard:       netguard.NewGuard(cfg.AllowedPrefixes(), cfg.TrustedPrefixes(), logger.Named("netguard")),
		Logger:      logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: it would cut long-lived WebSocket connections.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Run(gctx, hub.Dispatch)
	})
	g.Go(func() error {
		runJanitor(gctx, service, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("huddle api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("huddle api stopped")
	return err
}

// primaryBackend keeps a nil *Meili from becoming a non-nil interface.
func primaryBackend(meili *search.Meili) search.Backend {
	if meili == nil {
		return nil
	}
	return meili
}

// openObjectStore returns nil when uploads cannot be served, which disables
// the attachment endpoints instead of failing startup.
func openObjectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) attachments.ObjectStore {
	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		return nil
	}
	objects, err := attachments.NewMinioStore(attachments.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	}, logger)
	if err != nil {
		logger.Warn("object storage disabled", zap.Error(err))
		return nil
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage disabled", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		return nil
	}
	return objects
}

func runJanitor(ctx context.Context, service *app.Service, logger *zap.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("janitor sweep failed", zap.Error(err))
			}
		}
	}
}
