package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scribeq/internal/config"
	"scribeq/internal/models"
	"scribeq/internal/store"
)

type stubMaintStore struct {
	purged    int64
	purgedAt  time.Time
	optimized bool
	usage     []store.UsageRow
}

func (s *stubMaintStore) PurgeOldRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	s.purgedAt = olderThan
	return s.purged, nil
}

func (s *stubMaintStore) Optimize(ctx context.Context) error {
	s.optimized = true
	return nil
}

func (s *stubMaintStore) UsageSummary(ctx context.Context, since time.Time) ([]store.UsageRow, error) {
	return s.usage, nil
}

type stubMailer struct {
	subjects []string
	batches  []map[string]string
}

func (m *stubMailer) SendBatch(ctx context.Context, subject string, bodies map[string]string) (int, error) {
	m.subjects = append(m.subjects, subject)
	m.batches = append(m.batches, bodies)
	return len(bodies), nil
}

func TestCleanupTempRemovesOldFilesOnly(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "stale.wav")
	newFile := filepath.Join(dir, "fresh.wav")
	for _, p := range []string{oldFile, newFile} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	twoDaysAgo := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, twoDaysAgo, twoDaysAgo); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	h := NewMaintenanceHandler(config.Config{TempDir: dir}, &stubMaintStore{}, &stubMailer{})
	res, err := h.CleanupTemp(context.Background(), models.Job{ID: "job-1"}, noProgress)
	if err != nil {
		t.Fatalf("cleanup temp: %v", err)
	}
	if res.Output["removed"] != 1 {
		t.Fatalf("removed = %v, want 1", res.Output["removed"])
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatal("stale file survived cleanup")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatal("fresh file was removed")
	}
}

func TestCleanupOldRecordsUsesRetention(t *testing.T) {
	st := &stubMaintStore{purged: 42}
	h := NewMaintenanceHandler(config.Config{RecordRetention: 90 * 24 * time.Hour}, st, &stubMailer{})

	res, err := h.CleanupOldRecords(context.Background(), models.Job{ID: "job-1"}, noProgress)
	if err != nil {
		t.Fatalf("cleanup old records: %v", err)
	}
	if res.Output["purged"] != int64(42) {
		t.Fatalf("purged = %v", res.Output["purged"])
	}
	wantCutoff := time.Now().Add(-90 * 24 * time.Hour)
	if st.purgedAt.Sub(wantCutoff) > time.Minute || wantCutoff.Sub(st.purgedAt) > time.Minute {
		t.Fatalf("cutoff = %s, want ~%s", st.purgedAt, wantCutoff)
	}
}

func TestUsageReportWindow(t *testing.T) {
	st := &stubMaintStore{usage: []store.UsageRow{{UserID: 7}, {UserID: 8}}}
	h := NewMaintenanceHandler(config.Config{}, st, &stubMailer{})

	res, err := h.UsageReport(context.Background(), models.Job{
		ID:      "job-1",
		Payload: map[string]any{"window_days": 7.0},
	}, noProgress)
	if err != nil {
		t.Fatalf("usage report: %v", err)
	}
	if res.Output["users"] != 2 {
		t.Fatalf("users = %v, want 2", res.Output["users"])
	}
}

func TestDBOptimize(t *testing.T) {
	st := &stubMaintStore{}
	h := NewMaintenanceHandler(config.Config{}, st, &stubMailer{})
	if _, err := h.DBOptimize(context.Background(), models.Job{ID: "job-1"}, noProgress); err != nil {
		t.Fatalf("db optimize: %v", err)
	}
	if !st.optimized {
		t.Fatal("optimize not called")
	}
}

func TestSendBatchEmail(t *testing.T) {
	mailer := &stubMailer{}
	h := NewMaintenanceHandler(config.Config{}, &stubMaintStore{}, mailer)

	res, err := h.SendBatchEmail(context.Background(), models.Job{ID: "job-1", Payload: map[string]any{
		"subject": "transcript ready",
		"messages": map[string]any{
			"a@example.com": "your transcript is ready",
			"b@example.com": "your transcript is ready",
		},
	}}, noProgress)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if res.Output["sent"] != 2 {
		t.Fatalf("sent = %v, want 2", res.Output["sent"])
	}
	if mailer.subjects[0] != "transcript ready" {
		t.Fatalf("subject = %q", mailer.subjects[0])
	}

	// Empty batches are a quiet no-op, not an error.
	res, err = h.SendBatchEmail(context.Background(), models.Job{ID: "job-2"}, noProgress)
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if res.Output["sent"] != 0 {
		t.Fatalf("sent = %v, want 0", res.Output["sent"])
	}
}
