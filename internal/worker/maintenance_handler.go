package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"scribeq/internal/config"
	"scribeq/internal/models"
	"scribeq/internal/store"
)

// MaintenanceStore is the slice of the persistence layer the low lane needs.
type MaintenanceStore interface {
	PurgeOldRecords(ctx context.Context, olderThan time.Time) (int64, error)
	Optimize(ctx context.Context) error
	UsageSummary(ctx context.Context, since time.Time) ([]store.UsageRow, error)
}

// Mailer is the outbound email collaborator.
type Mailer interface {
	SendBatch(ctx context.Context, subject string, bodies map[string]string) (int, error)
}

// MaintenanceHandler serves the low lane: unbilled housekeeping owned by the
// system account, scheduled by cron rather than submitted by users.
type MaintenanceHandler struct {
	cfg    config.Config
	store  MaintenanceStore
	mailer Mailer
}

func NewMaintenanceHandler(cfg config.Config, st MaintenanceStore, mailer Mailer) *MaintenanceHandler {
	return &MaintenanceHandler{cfg: cfg, store: st, mailer: mailer}
}

// CleanupTemp removes staging files older than a day from the temp dir.
func (h *MaintenanceHandler) CleanupTemp(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	cutoff := time.Now().Add(-24 * time.Hour)
	removed := 0

	entries, err := os.ReadDir(h.cfg.TempDir)
	if err != nil {
		return Result{}, fmt.Errorf("read temp dir: %w", err)
	}
	for i, e := range entries {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(h.cfg.TempDir, e.Name())); err == nil {
				removed++
			}
		}
		if len(entries) > 0 {
			report(i*100/len(entries), "cleaning temp files")
		}
	}
	return Result{Output: map[string]any{"removed": removed}}, nil
}

// CleanupOldRecords deletes terminal job rows past the retention window.
// Ledger rows are never touched: the transaction log is append-only.
func (h *MaintenanceHandler) CleanupOldRecords(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	cutoff := time.Now().Add(-h.cfg.RecordRetention)
	report(10, "purging old job records")
	purged, err := h.store.PurgeOldRecords(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("purge records: %w", err)
	}
	return Result{Output: map[string]any{"purged": purged, "cutoff": cutoff.UTC().Format(time.RFC3339)}}, nil
}

// UsageReport aggregates the last day of ledger activity per user.
func (h *MaintenanceHandler) UsageReport(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	window := 24 * time.Hour
	if days, ok := job.Payload["window_days"].(float64); ok && days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}
	report(10, "aggregating ledger activity")
	rows, err := h.store.UsageSummary(ctx, time.Now().Add(-window))
	if err != nil {
		return Result{}, fmt.Errorf("usage summary: %w", err)
	}

	serialized := make([]any, 0, len(rows))
	for _, r := range rows {
		raw, _ := json.Marshal(r)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		serialized = append(serialized, m)
	}
	return Result{Output: map[string]any{"users": len(rows), "rows": serialized}}, nil
}

// DBOptimize reclaims storage on the hot tables.
func (h *MaintenanceHandler) DBOptimize(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	report(10, "optimizing tables")
	if err := h.store.Optimize(ctx); err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]any{"optimized": true}}, nil
}

// SendBatchEmail delivers a batch of notification emails from the payload.
func (h *MaintenanceHandler) SendBatchEmail(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	subject, _ := job.Payload["subject"].(string)
	if subject == "" {
		subject = "scribeq notification"
	}
	bodies := map[string]string{}
	if raw, ok := job.Payload["messages"].(map[string]any); ok {
		for addr, body := range raw {
			if s, ok := body.(string); ok {
				bodies[addr] = s
			}
		}
	}
	if len(bodies) == 0 {
		return Result{Output: map[string]any{"sent": 0}}, nil
	}
	report(20, fmt.Sprintf("sending %d emails", len(bodies)))
	sent, err := h.mailer.SendBatch(ctx, subject, bodies)
	if err != nil {
		return Result{}, fmt.Errorf("send batch email: %w", err)
	}
	return Result{Output: map[string]any{"sent": sent}}, nil
}
