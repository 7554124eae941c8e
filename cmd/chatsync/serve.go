package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/config"
	"chatsync/internal/constants"
	"chatsync/internal/database"
	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/privacy"
	"chatsync/internal/querychannels"
	"chatsync/internal/recovery"
	"chatsync/internal/registry"
	"chatsync/internal/retry"
	"chatsync/internal/tracing"
	"chatsync/pkg/chat"
	"chatsync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the chat backend and keep the local cache in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, out io.Writer) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(out, cfg, opts.verbose)
	logger.WithFields(privacy.MaskSensitiveFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
		"api_url": cfg.Client.APIURL,
		"api_key": cfg.Client.APIKey,
		"user_id": cfg.Client.UserID,
	})).Info("Starting chatsync")

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	token, err := resolveToken(cfg.Client)
	if err != nil {
		return err
	}

	breaker := circuitbreaker.New("chat-api", circuitbreaker.Config{
		MaxFailures: uint32(cfg.CircuitBreaker.MaxFailures),
		Timeout:     time.Duration(cfg.CircuitBreaker.TimeoutSec) * time.Second,
		Counts:      errors.IsRetryable,
	}, logger)
	client := chat.NewClientWithLogger(cfg.Client.APIURL, cfg.Client.APIKey, token,
		&http.Client{Timeout: cfg.Client.Timeout()}, breaker, logger)

	stream := chat.NewStream(cfg.Client.WSURL, cfg.Client.APIKey, cfg.Client.UserID, token, logger,
		chat.WithReconnectBackoff(retry.NewBackoff(retry.FromRetryConfig(cfg.Retry))),
		chat.WithEventBuffer(cfg.Sync.EventQueueSize),
	)

	bus := errors.NewBus(constants.DefaultErrorBusBuffer)
	go logErrorReports(ctx, bus, logger)

	deps := channel.Deps{
		Network:    client,
		Repository: db,
		Probe:      stream,
		Logger:     logger,
		ErrorBus:   bus,
	}
	reg := registry.New(ctx, registry.Config{
		CurrentUserID: cfg.Client.UserID,
		Deps:          deps,
		Limits: channel.Limits{
			MessageLimit: cfg.Sync.MessageLimit,
			MemberLimit:  cfg.Sync.MemberLimit,
			WatcherLimit: cfg.Sync.WatcherLimit,
		},
		QueueSize: cfg.Sync.EventQueueSize,
		Options: []channel.StateLogicOption{
			channel.WithReadTolerance(cfg.Sync.ReadTolerance()),
			channel.WithTypingTimeout(cfg.Sync.TypingTimeout()),
			channel.WithCountedMessageCache(cfg.Sync.CountedMessageCache),
		},
	})
	defer reg.Close()

	recoveryManager := recovery.New(reg, client, db, logger, recovery.Config{
		Interval:     cfg.Sync.RecoveryInterval(),
		MessageLimit: cfg.Sync.MessageLimit,
		Backoff:      retry.FromRetryConfig(cfg.Retry),
	})
	reg.AddListener(recoveryManager)
	recoveryManager.Start(ctx)
	defer recoveryManager.Stop()

	queries := newQueryBook(reg, recoveryManager, querychannels.Deps{
		Network:    client,
		Repository: db,
		Probe:      stream,
		Logger:     logger,
		ErrorBus:   bus,
	}, cfg.Sync)

	watcher := config.NewWatcher(opts.configPath, time.Duration(constants.DefaultConfigWatchIntervalSec)*time.Second, logger)
	watcher.OnChange(func(c *models.Config) {
		applyLogLevel(logger, c, opts.verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	go func() {
		if err := stream.Run(ctx); err != nil {
			logger.WithError(err).Error("Realtime stream stopped")
		}
	}()
	go func() {
		if err := reg.Run(ctx, stream); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Event dispatch stopped")
		}
	}()

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	var server *Server
	if cfg.Server.Enabled {
		server = NewServer(cfg.Server, reg, queries, stream, db, logger)
		go func() {
			if err := server.Start(); err != nil && err != http.ErrServerClosed {
				serverErrCh <- fmt.Errorf("server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
	}

	logger.Info("Shutdown completed")
	return nil
}

// openDatabase retries while the file is locked by another process.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, database.WithEncryptionSecret(cfg.Database.EncryptionSecret))
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// resolveToken prefers a configured token and signs a development token from
// the API secret otherwise.
func resolveToken(c models.ClientConfig) (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if c.APISecret == "" {
		return "", nil
	}
	token, err := chat.DevToken(c.UserID, c.APISecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign development token: %w", err)
	}
	return token, nil
}

func logErrorReports(ctx context.Context, bus *errors.Bus, logger *logrus.Logger) {
	reports, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	errLogger := &errors.Logger{Logger: logger}
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-reports:
			if !ok {
				return
			}
			fields := logrus.Fields{"cid": report.CID, "operation": report.Operation}
			errLogger.LogRetryableError(report.Err, "Sync operation failed", fields)
		}
	}
}
