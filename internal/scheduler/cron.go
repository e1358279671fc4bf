// Package scheduler enqueues recurring maintenance work on the low lane.
package scheduler

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"scribeq/internal/dispatch"
	"scribeq/internal/models"
)

type entry struct {
	spec    string
	jobType models.JobType
	payload map[string]any
}

// Default maintenance schedule. Jobs are owned by the system account and
// ride the low lane, so a busy cluster just delays them.
var entries = []entry{
	{"@hourly", models.TypeCleanupTemp, nil},
	{"30 2 * * *", models.TypeCleanupOldRecords, nil},
	{"0 5 * * *", models.TypeUsageReport, map[string]any{"window_days": float64(1)}},
	{"0 3 * * 0", models.TypeDBOptimize, nil},
}

// Cron drives the recurring maintenance submissions.
type Cron struct {
	c          *cron.Cron
	dispatcher *dispatch.Dispatcher
}

func New(d *dispatch.Dispatcher) *Cron {
	return &Cron{c: cron.New(), dispatcher: d}
}

// Start registers the schedule and begins firing. Submissions that fail
// (broker down) are logged and retried at the next tick; maintenance work
// tolerates missed runs.
func (s *Cron) Start(ctx context.Context) error {
	for _, e := range entries {
		e := e
		_, err := s.c.AddFunc(e.spec, func() {
			jobID, err := s.dispatcher.Submit(ctx, e.jobType, e.payload, dispatch.SystemUser)
			if err != nil {
				log.Printf("cron: submit %s: %v", e.jobType, err)
				return
			}
			log.Printf("cron: submitted %s as %s", e.jobType, jobID)
		})
		if err != nil {
			return err
		}
	}
	s.c.Start()
	go func() {
		<-ctx.Done()
		s.c.Stop()
	}()
	return nil
}
