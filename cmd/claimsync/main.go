// Command claimsync runs a headless sync client for one identity and logs
// every store change. It is the integration harness for a UI shell.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"claimsync/app"
	"claimsync/config"
	"claimsync/conversations"
	"claimsync/logging"
	"claimsync/metrics"
	"claimsync/notifications"
	"claimsync/transport"
	"claimsync/typing"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("claimsync: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		return err
	}
	defer logger.Sync()

	collector := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	client, err := app.New(cfg, logger, app.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnLifecycle(func(l transport.Lifecycle) {
		logger.Info("Connection", zap.Stringer("signal", l.Signal), zap.Stringer("state", l.State))
	})
	client.Directory().Subscribe(func(s conversations.State) {
		logger.Info("Conversations",
			zap.Int("count", len(s.Conversations)),
			zap.Int("unread", s.TotalUnread()),
			zap.Bool("stale", s.Stale),
		)
	})
	client.Notifications().Subscribe(func(s notifications.State) {
		logger.Info("Notifications",
			zap.Int("loaded", len(s.Items)),
			zap.Int("unread", s.Unread),
			zap.Bool("stale", s.Stale),
		)
	})
	client.Typing().Subscribe(func(c typing.Change) {
		logger.Debug("Typing", zap.String("conversationID", c.ConversationID), zap.Int("typing", len(c.Entries)))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info("Client started", zap.String("identityID", cfg.IdentityID), zap.String("ws", cfg.WSURL))

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
