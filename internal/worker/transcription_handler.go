package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scribeq/internal/models"
)

// TranscriptionResult is what the external engine returns. DurationMinutes
// is the measured length of the processed audio and drives actual billing.
type TranscriptionResult struct {
	Text            string           `json:"text"`
	Language        string           `json:"language,omitempty"`
	DurationMinutes float64          `json:"duration_minutes"`
	Segments        []SpeakerSegment `json:"segments,omitempty"`
}

// SpeakerSegment attributes a time span to a speaker.
type SpeakerSegment struct {
	Speaker      string  `json:"speaker"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
}

// TranscriptionClient is the outbound transcription-engine collaborator.
// Implementations wrap a provider SDK; errors they return are retriable
// unless wrapped with Terminal.
type TranscriptionClient interface {
	Transcribe(ctx context.Context, objectKey, language string, progress func(percent int)) (TranscriptionResult, error)
	Diarize(ctx context.Context, objectKey string, progress func(percent int)) (TranscriptionResult, error)
}

// TranscriptionHandler serves the high lane: the long-running core work.
type TranscriptionHandler struct {
	client TranscriptionClient
}

func NewTranscriptionHandler(client TranscriptionClient) *TranscriptionHandler {
	return &TranscriptionHandler{client: client}
}

type transcribePayload struct {
	ObjectKey string `json:"object_key"`
	Language  string `json:"language"`
}

// Transcribe converts stored media to text, billed per measured minute.
func (h *TranscriptionHandler) Transcribe(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	p, err := decodeTranscribePayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	report(5, "submitting to transcription engine")

	res, err := h.client.Transcribe(ctx, p.ObjectKey, p.Language, func(percent int) {
		report(percent, "transcribing")
	})
	if err != nil {
		return Result{}, fmt.Errorf("transcription engine: %w", err)
	}

	return Result{
		Output: map[string]any{
			"text":             res.Text,
			"language":         res.Language,
			"duration_minutes": res.DurationMinutes,
		},
		BilledUnits: res.DurationMinutes,
	}, nil
}

// Diarize attributes speakers across the recording, billed per minute.
func (h *TranscriptionHandler) Diarize(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	p, err := decodeTranscribePayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	report(5, "submitting to diarization engine")

	res, err := h.client.Diarize(ctx, p.ObjectKey, func(percent int) {
		report(percent, "identifying speakers")
	})
	if err != nil {
		return Result{}, fmt.Errorf("diarization engine: %w", err)
	}

	segments := make([]any, 0, len(res.Segments))
	for _, s := range res.Segments {
		segments = append(segments, map[string]any{
			"speaker":       s.Speaker,
			"start_seconds": s.StartSeconds,
			"end_seconds":   s.EndSeconds,
			"text":          s.Text,
		})
	}
	return Result{
		Output: map[string]any{
			"segments":         segments,
			"duration_minutes": res.DurationMinutes,
		},
		BilledUnits: res.DurationMinutes,
	}, nil
}

func decodeTranscribePayload(job models.Job) (transcribePayload, error) {
	var p transcribePayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.ObjectKey == "" {
		return p, errors.New("object_key is required")
	}
	return p, nil
}
