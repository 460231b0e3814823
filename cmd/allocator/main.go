package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"allocator/internal/amqp"
	"allocator/internal/cli"
	apphttp "allocator/internal/http"
	applog "allocator/internal/log"
	"allocator/internal/notify"
	"allocator/internal/services"
	gsheet "allocator/internal/sheets/google"
)

func main() {
	cli.LoadEnvFile()

	bootstrap := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	cfg := cli.LoadAndValidateConfig(bootstrap)
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required to run the API server")
		os.Exit(1)
	}
	tokens, err := apphttp.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Error("Invalid token configuration", applog.FieldError, err)
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	backend := cli.InitStore(bootCtx, logger, cfg)
	bootCancel()

	// With AMQP the broker is the only path to the hub, so proposals stored
	// by any process (this one included) reach websocket clients once.
	hub := notify.NewHub()
	var (
		local  notify.Notifier = hub
		remote notify.Notifier
		broker *amqp.Client
	)
	if cfg.AMQPURL != "" {
		broker, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
			os.Exit(1)
		}
		local, remote = nil, broker
		logger.Info("AMQP enabled", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	}
	engine := services.NewEngine(backend.Store, notify.Multi(local, remote))

	var exporter apphttp.SheetExporter
	if cfg.GoogleSpreadsheetID != "" {
		x, err := gsheet.New(context.Background(), gsheet.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsFile: cfg.GoogleCredentialsFile,
			CredentialsJSON: cfg.GoogleCredentialsJSON,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets exporter", applog.FieldError, err)
			os.Exit(1)
		}
		exporter = x
		logger.Info("Google Sheets export enabled", "sheet", x.Sheet())
	}

	srv, err := apphttp.NewServer(":"+cfg.Port, apphttp.Options{
		Engine:           engine,
		Tokens:           tokens,
		Hub:              hub,
		Exporter:         exporter,
		Logger:           logger.WithComponent(applog.ComponentHTTP),
		DefaultFrequency: cfg.Frequency(),
	})
	if err != nil {
		logger.Error("Failed to create server", applog.FieldError, err)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		if broker != nil {
			if err := broker.Close(); err != nil {
				logger.Warn("AMQP close failed", applog.FieldError, err)
			}
		}
		if err := backend.Close(); err != nil {
			logger.Warn("Store close failed", applog.FieldError, err)
		}
	})
	ctx = applog.NewContext(ctx, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting allocator server", "port", cfg.Port, "backend", cfg.DataBackend,
			applog.FieldFrequency, cfg.Frequency().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if broker != nil {
		g.Go(func() error {
			err := broker.ConsumeProposals(gctx, func(ctx context.Context, msg *amqp.ProposalCreatedMessage) error {
				hub.ProposalCreated(ctx, msg.Proposal())
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
