package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scribeq/internal/models"
)

// LanguageModel is the outbound AI-provider collaborator for transcript
// enrichment. Implementations wrap a provider SDK.
type LanguageModel interface {
	Complete(ctx context.Context, instruction, text string) (string, error)
}

// EnhanceHandler serves the default lane: optional AI enrichment of
// completed transcripts, billed per 1000 input characters.
type EnhanceHandler struct {
	model LanguageModel
}

func NewEnhanceHandler(model LanguageModel) *EnhanceHandler {
	return &EnhanceHandler{model: model}
}

type enhancePayload struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	Prompt         string `json:"prompt"`
	CharCount      int    `json:"char_count"`
}

// Enhance cleans up a raw transcript: punctuation, casing, filler removal.
func (h *EnhanceHandler) Enhance(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	return h.run(ctx, job, report,
		"Clean up this transcript: fix punctuation and casing, remove filler words, keep the wording intact.")
}

// Translate renders the transcript into the payload's target language.
func (h *EnhanceHandler) Translate(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	p, err := decodeEnhancePayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	if p.TargetLanguage == "" {
		return Result{}, Terminal(errors.New("target_language is required"))
	}
	return h.complete(ctx, p, report,
		fmt.Sprintf("Translate this transcript into %s. Preserve speaker labels and timestamps.", p.TargetLanguage))
}

// GenerateNotes produces structured meeting notes from the transcript.
func (h *EnhanceHandler) GenerateNotes(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	return h.run(ctx, job, report,
		"Summarize this transcript into structured notes: key points, decisions, action items.")
}

// CustomPrompt applies the user's own instruction to the transcript.
func (h *EnhanceHandler) CustomPrompt(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	p, err := decodeEnhancePayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	if p.Prompt == "" {
		return Result{}, Terminal(errors.New("prompt is required"))
	}
	return h.complete(ctx, p, report, p.Prompt)
}

func (h *EnhanceHandler) run(ctx context.Context, job models.Job, report ProgressFunc, instruction string) (Result, error) {
	p, err := decodeEnhancePayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	return h.complete(ctx, p, report, instruction)
}

func (h *EnhanceHandler) complete(ctx context.Context, p enhancePayload, report ProgressFunc, instruction string) (Result, error) {
	report(10, "calling language model")
	out, err := h.model.Complete(ctx, instruction, p.Text)
	if err != nil {
		return Result{}, fmt.Errorf("language model: %w", err)
	}
	report(100, "done")
	// Actual billing is by real input size, which may differ from the
	// char_count the submitter declared for the estimate.
	return Result{
		Output:      map[string]any{"text": out},
		BilledUnits: float64(len(p.Text)) / 1000,
	}, nil
}

func decodeEnhancePayload(job models.Job) (enhancePayload, error) {
	var p enhancePayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Text == "" {
		return p, errors.New("text is required")
	}
	return p, nil
}
