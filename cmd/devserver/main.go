// Command devserver runs the reference remote authority: websocket event
// channel plus REST endpoints over an sqlite store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"claimsync/config"
	"claimsync/database"
	"claimsync/handlers"
	"claimsync/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("devserver: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	accounts, err := database.ParseAccounts(cfg.Accounts)
	if err != nil {
		return fmt.Errorf("parse DEVSERVER_ACCOUNTS: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Seed(ctx, accounts); err != nil {
		return err
	}

	srv := handlers.NewServer(store, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Devserver starting", zap.String("addr", cfg.Addr), zap.Int("accounts", len(accounts)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("Shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
