package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/uniedit/batchgen/internal/app"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/module/auth"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	mintToken := flag.String("mint-token", "", "print an access token for the given user id and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *mintToken != "" {
		if err := printToken(cfg, *mintToken); err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}
		return
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	logger := application.Logger()

	if err := application.Start(context.Background()); err != nil {
		application.Stop()
		log.Fatalf("Failed to start application: %v", err)
	}

	// Progress streams end when shutdown begins.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
		Handler:      application.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	srv.RegisterOnShutdown(cancelBase)

	go func() {
		logger.Info("starting server", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	application.Stop()

	logger.Info("server exited")
}

func printToken(cfg *config.Config, raw string) error {
	userID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	jwt, err := auth.NewJWTManager(cfg.Auth)
	if err != nil {
		return err
	}
	token, expiresAt, err := jwt.GenerateAccessToken(userID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
