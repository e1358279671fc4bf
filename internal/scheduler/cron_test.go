package scheduler

import (
	"testing"

	"github.com/robfig/cron/v3"

	"scribeq/internal/models"
)

func TestScheduleSpecsParse(t *testing.T) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	seen := map[models.JobType]bool{}
	for _, e := range entries {
		if _, err := parser.Parse(e.spec); err != nil {
			t.Fatalf("spec %q for %s: %v", e.spec, e.jobType, err)
		}
		if seen[e.jobType] {
			t.Fatalf("job type %s scheduled twice", e.jobType)
		}
		seen[e.jobType] = true
	}
	for _, jt := range []models.JobType{
		models.TypeCleanupTemp, models.TypeCleanupOldRecords,
		models.TypeUsageReport, models.TypeDBOptimize,
	} {
		if !seen[jt] {
			t.Fatalf("maintenance type %s not scheduled", jt)
		}
	}
}
