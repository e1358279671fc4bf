package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Development stand-ins for the outbound provider collaborators. Production
// deployments register real clients; these keep a local stack runnable
// end to end without provider credentials.

// DevTranscriptionClient fabricates transcripts with a simulated duration.
type DevTranscriptionClient struct {
	// Delay per simulated minute of audio, to exercise progress
	// reporting and time limits locally.
	DelayPerMinute time.Duration
}

func (c *DevTranscriptionClient) Transcribe(ctx context.Context, objectKey, language string, progress func(percent int)) (TranscriptionResult, error) {
	const minutes = 2.0
	if err := c.simulate(ctx, minutes, progress); err != nil {
		return TranscriptionResult{}, err
	}
	return TranscriptionResult{
		Text:            fmt.Sprintf("[dev transcript of %s]", objectKey),
		Language:        language,
		DurationMinutes: minutes,
	}, nil
}

func (c *DevTranscriptionClient) Diarize(ctx context.Context, objectKey string, progress func(percent int)) (TranscriptionResult, error) {
	const minutes = 2.0
	if err := c.simulate(ctx, minutes, progress); err != nil {
		return TranscriptionResult{}, err
	}
	return TranscriptionResult{
		DurationMinutes: minutes,
		Segments: []SpeakerSegment{
			{Speaker: "A", StartSeconds: 0, EndSeconds: 60, Text: "[dev segment]"},
			{Speaker: "B", StartSeconds: 60, EndSeconds: 120, Text: "[dev segment]"},
		},
	}, nil
}

func (c *DevTranscriptionClient) simulate(ctx context.Context, minutes float64, progress func(percent int)) error {
	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(minutes / float64(steps) * float64(c.DelayPerMinute))):
		}
		progress(i * 100 / steps)
	}
	return nil
}

// DevLanguageModel echoes the input with the instruction applied as a tag.
type DevLanguageModel struct{}

func (DevLanguageModel) Complete(ctx context.Context, instruction, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tag := instruction
	if i := strings.IndexByte(tag, ':'); i > 0 {
		tag = tag[:i]
	}
	return fmt.Sprintf("[%s] %s", strings.ToLower(tag), text), nil
}

// DevMailer logs instead of sending.
type DevMailer struct{}

func (DevMailer) SendBatch(ctx context.Context, subject string, bodies map[string]string) (int, error) {
	for addr := range bodies {
		log.Printf("dev mailer: would send %q to %s", subject, addr)
	}
	return len(bodies), nil
}
