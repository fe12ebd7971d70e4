package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tanklog/internal/amqp"
	"tanklog/internal/cli"
	"tanklog/internal/export"
	"tanklog/internal/gateway"
	"tanklog/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()

	logger.Info("Starting tanklog-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	// Full log payloads come from the running app's REST API, not the
	// database: the worker sees exactly what any API consumer would.
	api := gateway.New(cfg.APIBaseURL)

	// Export target: Google Sheets when configured, otherwise an
	// in-memory sink so the pipeline stays observable in development.
	var (
		target  export.RowAppender
		deleter export.RowDeleter
	)
	if cfg.GoogleSpreadsheetID != "" {
		sheets, err := export.NewFromEnv(context.Background())
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		target, deleter = sheets, sheets
		logger.Info("Google Sheets export initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		mem := export.NewMemoryStore()
		target, deleter = mem, mem
		logger.Info("Google Sheets disabled - exporting to memory store")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exportWorker := worker.NewExportWorker(api, repo, target, deleter, cfg.ExportBatchSize)

	// On startup, export any pending logs that might have been missed.
	logger.Info("Performing startup export check...")
	if err := exportWorker.StartupCheck(ctx); err != nil {
		logger.Error("Failed startup export check", "error", err)
		// Don't exit - continue with normal operation
	}

	go func() {
		err := amqpClient.ConsumeLogSync(ctx, func(msg *amqp.LogSyncMessage) error {
			return exportWorker.HandleSyncMessage(ctx, msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", "error", err)
		}
		cancel()
	}()

	// Periodic scan catches logs whose broker message was lost.
	go exportWorker.RunPeriodic(ctx, cfg.ExportInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down worker...")
	cancel()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached")
	case <-time.After(5 * time.Second):
		logger.Info("Worker shutdown complete")
	}
}
