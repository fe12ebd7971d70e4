// Package worker moves refuel logs from the local database into the
// configured export target. It is driven by AMQP messages with a periodic
// pending-queue scan as a backstop for lost messages.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tanklog/internal/amqp"
	"tanklog/internal/core"
	"tanklog/internal/export"
	"tanklog/internal/storage"
)

// LogFetcher reads authoritative data through the REST API.
type LogFetcher interface {
	Log(ctx context.Context, id int64) (core.RefuelLog, error)
	Cars(ctx context.Context) ([]core.Car, error)
	Currencies(ctx context.Context) ([]core.Currency, error)
}

// SyncQueue is the storage side of the export pipeline.
type SyncQueue interface {
	PendingSyncLogs(ctx context.Context, limit int) ([]storage.PendingSyncLog, error)
	LogVersion(ctx context.Context, id int64) (int64, error)
	MarkSynced(ctx context.Context, id, version int64) error
	MarkSyncError(ctx context.Context, id int64) error
}

// ExportWorker ships refuel logs to the export target.
type ExportWorker struct {
	api       LogFetcher
	queue     SyncQueue
	target    export.RowAppender
	deleter   export.RowDeleter
	batchSize int
}

func NewExportWorker(api LogFetcher, queue SyncQueue, target export.RowAppender, deleter export.RowDeleter, batchSize int) *ExportWorker {
	return &ExportWorker{
		api:       api,
		queue:     queue,
		target:    target,
		deleter:   deleter,
		batchSize: batchSize,
	}
}

// HandleSyncMessage processes a single sync message from AMQP.
func (w *ExportWorker) HandleSyncMessage(ctx context.Context, msg *amqp.LogSyncMessage) error {
	if msg.Deleted {
		return w.handleDelete(ctx, msg.ID)
	}

	slog.InfoContext(ctx, "Processing sync message", "id", msg.ID, "version", msg.Version)
	return w.exportLog(ctx, msg.ID, msg.Version)
}

func (w *ExportWorker) handleDelete(ctx context.Context, id int64) error {
	if w.deleter == nil {
		slog.WarnContext(ctx, "No row deleter configured, skipping export deletion", "id", id)
		return nil
	}
	if err := w.deleter.DeleteLogRow(ctx, id); err != nil {
		return fmt.Errorf("delete exported row: %w", err)
	}
	slog.InfoContext(ctx, "Deleted exported log row", "id", id)
	return nil
}

// exportLog fetches the full record through the API, lands it in the
// export target and marks the given version synced.
func (w *ExportWorker) exportLog(ctx context.Context, id, version int64) error {
	l, err := w.api.Log(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch log from api: %w", err)
	}

	carLabel, currencyCode := w.lookupLabels(ctx, l)

	ref, err := w.target.AppendLog(ctx, l, carLabel, currencyCode)
	if err != nil {
		if markErr := w.queue.MarkSyncError(ctx, id); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark sync error", "id", id, "error", markErr)
		}
		return fmt.Errorf("append log to export target: %w", err)
	}

	if err := w.queue.MarkSynced(ctx, id, version); err != nil {
		return fmt.Errorf("mark log synced: %w", err)
	}

	slog.InfoContext(ctx, "Log exported", "id", id, "version", version, "row_ref", ref)
	return nil
}

// lookupLabels resolves the car and currency display values. Lookups are
// best-effort: an unreachable API degrades the row, not the export.
func (w *ExportWorker) lookupLabels(ctx context.Context, l core.RefuelLog) (string, string) {
	carLabel := ""
	if cars, err := w.api.Cars(ctx); err == nil {
		for _, c := range cars {
			if c.ID == l.CarID {
				carLabel = c.Brand + " " + c.Model
				break
			}
		}
	} else {
		slog.WarnContext(ctx, "Failed to fetch cars for export labels", "error", err)
	}

	currencyCode := ""
	if currencies, err := w.api.Currencies(ctx); err == nil {
		for _, c := range currencies {
			if c.ID == l.CurrencyID {
				currencyCode = c.Code
				break
			}
		}
	} else {
		slog.WarnContext(ctx, "Failed to fetch currencies for export labels", "error", err)
	}

	return carLabel, currencyCode
}

// ProcessPendingLogs exports logs still waiting in the queue. This is the
// backstop for lost AMQP messages.
func (w *ExportWorker) ProcessPendingLogs(ctx context.Context) error {
	pending, err := w.queue.PendingSyncLogs(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending logs: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending logs", "count", len(pending))

	for _, p := range pending {
		if err := w.exportLog(ctx, p.ID, p.Version); err != nil {
			slog.ErrorContext(ctx, "Failed to export pending log", "id", p.ID, "error", err)
		}
	}
	return nil
}

// StartupCheck drains a larger pending batch once at worker start to
// recover from downtime.
func (w *ExportWorker) StartupCheck(ctx context.Context) error {
	pending, err := w.queue.PendingSyncLogs(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get pending logs for startup check: %w", err)
	}
	if len(pending) == 0 {
		slog.InfoContext(ctx, "No pending logs found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found pending logs on startup, processing...", "count", len(pending))

	successCount := 0
	errorCount := 0
	for _, p := range pending {
		if err := w.exportLog(ctx, p.ID, p.Version); err != nil {
			slog.ErrorContext(ctx, "Startup export failed", "id", p.ID, "error", err)
			errorCount++
			continue
		}
		successCount++
	}

	slog.InfoContext(ctx, "Startup sync check complete",
		"success", successCount,
		"errors", errorCount)
	return nil
}

// RunPeriodic scans the pending queue on the given interval until the
// context is cancelled.
func (w *ExportWorker) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping periodic export scan", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := w.ProcessPendingLogs(ctx); err != nil {
				slog.ErrorContext(ctx, "Periodic export scan failed", "error", err)
			}
		}
	}
}
