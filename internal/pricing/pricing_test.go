package pricing

import (
	"testing"

	"scribeq/internal/models"
)

func TestEstimatePerMinute(t *testing.T) {
	s := Default()
	cost, err := s.Estimate(models.TypeTranscribe, map[string]any{"duration_minutes": 8.0})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if cost != 8.0 {
		t.Fatalf("8 minutes of transcription should cost 8.0 credits, got %f", cost)
	}

	// Fractional minutes bill fractionally: 90 seconds at 0.5/min is 0.75.
	cost, err = s.Estimate(models.TypeSpeakerDiarize, map[string]any{"duration_minutes": 1.5})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if cost != 0.75 {
		t.Fatalf("diarization estimate = %f, want 0.75", cost)
	}
}

func TestEstimatePerKiloChars(t *testing.T) {
	s := Default()
	cost, err := s.Estimate(models.TypeTranslate, map[string]any{"char_count": 5000})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if cost != 1.5 {
		t.Fatalf("5000 chars of translation = %f credits, want 1.5", cost)
	}
}

func TestEstimateFlatAndFree(t *testing.T) {
	s := Default()
	cost, err := s.Estimate(models.TypeFileValidate, map[string]any{})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if cost != 0.1 {
		t.Fatalf("file_validate flat fee = %f, want 0.1", cost)
	}

	cost, err = s.Estimate(models.TypeCleanupTemp, nil)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if cost != 0 {
		t.Fatalf("maintenance work must be free, got %f", cost)
	}
}

func TestEstimateRejectsBadPayloads(t *testing.T) {
	s := Default()
	if _, err := s.Estimate(models.TypeTranscribe, map[string]any{}); err == nil {
		t.Fatal("expected error for missing duration_minutes")
	}
	if _, err := s.Estimate(models.TypeTranscribe, map[string]any{"duration_minutes": -5.0}); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := s.Estimate(models.TypeAIEnhance, map[string]any{"char_count": "lots"}); err == nil {
		t.Fatal("expected error for non-numeric char_count")
	}
	if _, err := s.Estimate("mystery", nil); err == nil {
		t.Fatal("expected error for unpriced job type")
	}
}

func TestCostIgnoresUnitsForFlat(t *testing.T) {
	s := Default()
	if got := s.Cost(models.TypeFileStore, 500); got != 0.2 {
		t.Fatalf("flat cost should ignore units, got %f", got)
	}
	if got := s.Cost(models.TypeTranscribe, 10); got != 10.0 {
		t.Fatalf("10 minutes = %f credits, want 10.0", got)
	}
	if got := s.Cost(models.TypeDBOptimize, 99); got != 0 {
		t.Fatalf("free type cost = %f, want 0", got)
	}
}
