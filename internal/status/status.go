// Package status is the result/status store: the durable record of job state
// that the API polls and that state-change subscribers observe.
package status

import (
	"context"
	"time"

	"scribeq/internal/models"
)

// Event describes one job state change pushed to subscribers.
type Event struct {
	JobID    string          `json:"job_id"`
	State    models.JobState `json:"state"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
}

// Notifier receives state-change events. Delivery is fire-and-forget; the
// realtime push layer subscribes here.
type Notifier interface {
	Notify(ev Event)
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}

// ChannelNotifier forwards events to a channel, dropping when the subscriber
// lags so job processing never blocks on push delivery.
type ChannelNotifier struct {
	C chan Event
}

func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{C: make(chan Event, buffer)}
}

func (n *ChannelNotifier) Notify(ev Event) {
	select {
	case n.C <- ev:
	default:
	}
}

// JobStore is the persistence the recorder writes through. *store.Store
// satisfies it.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	UpdateProgress(ctx context.Context, id string, percent int, message string) error
	Complete(ctx context.Context, id string, result map[string]any) error
	Fail(ctx context.Context, id string, errMsg string) error
}

// Recorder applies the job state machine to the store and emits events.
type Recorder struct {
	store    JobStore
	notifier Notifier
}

func NewRecorder(store JobStore, notifier Notifier) *Recorder {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Recorder{store: store, notifier: notifier}
}

// Get returns the durable job record for polling callers.
func (r *Recorder) Get(ctx context.Context, jobID string) (models.Job, error) {
	return r.store.GetJob(ctx, jobID)
}

// Start marks a job running.
func (r *Recorder) Start(ctx context.Context, jobID string) error {
	if err := r.store.MarkRunning(ctx, jobID); err != nil {
		return err
	}
	r.notifier.Notify(Event{JobID: jobID, State: models.StateRunning})
	return nil
}

// Progress records execution progress of a running job.
func (r *Recorder) Progress(ctx context.Context, jobID string, percent int, message string) error {
	if err := r.store.UpdateProgress(ctx, jobID, percent, message); err != nil {
		return err
	}
	r.notifier.Notify(Event{JobID: jobID, State: models.StateRunning, Progress: percent, Message: message})
	return nil
}

// Retrying records a failed attempt that will be re-dispatched.
func (r *Recorder) Retrying(ctx context.Context, jobID string, attempts int, nextRun time.Time, errMsg string) error {
	if err := r.store.MarkRetrying(ctx, jobID, attempts, nextRun, errMsg); err != nil {
		return err
	}
	r.notifier.Notify(Event{JobID: jobID, State: models.StateRetrying, Message: errMsg})
	return nil
}

// Complete marks a job terminally succeeded with its result payload.
func (r *Recorder) Complete(ctx context.Context, jobID string, result map[string]any) error {
	if err := r.store.Complete(ctx, jobID, result); err != nil {
		return err
	}
	r.notifier.Notify(Event{JobID: jobID, State: models.StateSucceeded, Progress: 100})
	return nil
}

// Fail marks a job terminally failed with a human-readable error.
func (r *Recorder) Fail(ctx context.Context, jobID string, errMsg string) error {
	if err := r.store.Fail(ctx, jobID, errMsg); err != nil {
		return err
	}
	r.notifier.Notify(Event{JobID: jobID, State: models.StateFailed, Message: errMsg})
	return nil
}
