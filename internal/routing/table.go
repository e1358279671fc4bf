package routing

import (
	"fmt"
	"time"

	"scribeq/internal/models"
)

// ErrUnknownJobType is returned when a job type has no route. It is a
// configuration error: the table is validated at startup, so hitting this at
// runtime means a caller passed a type that was never registered.
type ErrUnknownJobType struct {
	Type models.JobType
}

func (e ErrUnknownJobType) Error() string {
	return fmt.Sprintf("unknown job type %q", e.Type)
}

// RetryPolicy is the per-job-type retry contract.
type RetryPolicy struct {
	MaxRetries     int
	BaseBackoff    time.Duration
	BackoffCeiling time.Duration
	Jitter         bool
	// AckLate keeps the job leased in the broker until the worker confirms
	// completion, so a worker crash mid-execution causes redelivery.
	AckLate bool
}

// Route binds a job type to its lane, retry contract and time limits.
type Route struct {
	Queue         models.QueueClass
	Retry         RetryPolicy
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// Table is the static job-type routing table, resolved once at startup.
type Table struct {
	routes map[models.JobType]Route
}

// Per-lane retry defaults: urgent lanes retry fast with a short ceiling,
// maintenance lanes back off for longer.
var laneRetry = map[models.QueueClass]RetryPolicy{
	models.QueueCritical: {MaxRetries: 3, BaseBackoff: 5 * time.Second, BackoffCeiling: 5 * time.Minute, Jitter: true, AckLate: true},
	models.QueueHigh:     {MaxRetries: 3, BaseBackoff: 30 * time.Second, BackoffCeiling: 10 * time.Minute, Jitter: true, AckLate: true},
	models.QueueDefault:  {MaxRetries: 3, BaseBackoff: 60 * time.Second, BackoffCeiling: 10 * time.Minute, Jitter: true, AckLate: true},
	models.QueueLow:      {MaxRetries: 5, BaseBackoff: 2 * time.Minute, BackoffCeiling: 30 * time.Minute, Jitter: true, AckLate: false},
}

func laneRoute(q models.QueueClass, soft, hard time.Duration) Route {
	return Route{Queue: q, Retry: laneRetry[q], SoftTimeLimit: soft, HardTimeLimit: hard}
}

// NewTable builds the default routing table.
//
// file_validate/file_store ride the critical lane because a user is actively
// waiting on upload feedback. transcribe/speaker_diarize are the long-running
// core work. AI enrichment is optional and rides default. Maintenance rides
// low with ack-early delivery (losing one cleanup run is acceptable).
func NewTable() Table {
	routes := map[models.JobType]Route{
		models.TypeFileValidate: laneRoute(models.QueueCritical, 45*time.Second, 90*time.Second),
		models.TypeFileStore:    laneRoute(models.QueueCritical, 2*time.Minute, 4*time.Minute),

		models.TypeTranscribe:     laneRoute(models.QueueHigh, 25*time.Minute, 30*time.Minute),
		models.TypeSpeakerDiarize: laneRoute(models.QueueHigh, 25*time.Minute, 30*time.Minute),

		models.TypeAIEnhance:     laneRoute(models.QueueDefault, 8*time.Minute, 10*time.Minute),
		models.TypeTranslate:     laneRoute(models.QueueDefault, 8*time.Minute, 10*time.Minute),
		models.TypeGenerateNotes: laneRoute(models.QueueDefault, 8*time.Minute, 10*time.Minute),
		models.TypeCustomPrompt:  laneRoute(models.QueueDefault, 8*time.Minute, 10*time.Minute),

		models.TypeCleanupTemp:       laneRoute(models.QueueLow, 10*time.Minute, 15*time.Minute),
		models.TypeCleanupOldRecords: laneRoute(models.QueueLow, 10*time.Minute, 15*time.Minute),
		models.TypeUsageReport:       laneRoute(models.QueueLow, 10*time.Minute, 15*time.Minute),
		models.TypeDBOptimize:        laneRoute(models.QueueLow, 20*time.Minute, 30*time.Minute),
		models.TypeSendBatchEmail:    laneRoute(models.QueueLow, 10*time.Minute, 15*time.Minute),
	}
	return Table{routes: routes}
}

// Resolve returns the route for a job type.
func (t Table) Resolve(jt models.JobType) (Route, error) {
	r, ok := t.routes[jt]
	if !ok {
		return Route{}, ErrUnknownJobType{Type: jt}
	}
	return r, nil
}

// Validate checks the table covers every known job type and that every route
// is internally consistent. Called once at process start; any error is fatal.
func (t Table) Validate() error {
	for _, jt := range models.AllJobTypes() {
		r, ok := t.routes[jt]
		if !ok {
			return fmt.Errorf("routing table: no route for job type %q", jt)
		}
		if r.Queue.Weight() == 0 {
			return fmt.Errorf("routing table: %q routed to unknown queue %q", jt, r.Queue)
		}
		if r.HardTimeLimit < r.SoftTimeLimit {
			return fmt.Errorf("routing table: %q hard time limit %s below soft limit %s", jt, r.HardTimeLimit, r.SoftTimeLimit)
		}
		if r.Retry.BackoffCeiling < r.Retry.BaseBackoff {
			return fmt.Errorf("routing table: %q backoff ceiling %s below base %s", jt, r.Retry.BackoffCeiling, r.Retry.BaseBackoff)
		}
	}
	for jt := range t.routes {
		if !knownType(jt) {
			return fmt.Errorf("routing table: route for unknown job type %q", jt)
		}
	}
	return nil
}

func knownType(jt models.JobType) bool {
	for _, known := range models.AllJobTypes() {
		if jt == known {
			return true
		}
	}
	return false
}
