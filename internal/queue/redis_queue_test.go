package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"scribeq/internal/config"
	"scribeq/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q := NewRedisQueue(config.Config{
		RedisAddr:         mr.Addr(),
		VisibilityTimeout: 30 * time.Second,
	})
	return q, mr
}

func allLanes() []models.QueueClass { return models.AllQueueClasses() }

func TestDequeueScansLanesInOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	now := time.Now()
	if err := q.Enqueue(ctx, "low-job", models.QueueLow, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "critical-job", models.QueueCritical, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, allLanes())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != "critical-job" {
		t.Fatalf("dequeued %q first, want critical-job", got)
	}

	got, err = q.Dequeue(ctx, allLanes())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != "low-job" {
		t.Fatalf("dequeued %q second, want low-job", got)
	}

	got, err = q.Dequeue(ctx, allLanes())
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty dequeue, got %q", got)
	}
}

func TestDequeueRespectsScanSubset(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "low-job", models.QueueLow, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A high-lane worker never reaches down into low.
	got, err := q.Dequeue(ctx, []models.QueueClass{models.QueueHigh, models.QueueCritical})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != "" {
		t.Fatalf("high-lane scan must not drain low, got %q", got)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.QueueHigh, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, allLanes()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the deadline nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("lease still live, reclaimed %v", ids)
	}

	// Past the visibility deadline the job returns to its lane.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("reclaimed %v, want [job-1]", ids)
	}

	got, err := q.Dequeue(ctx, allLanes())
	if err != nil || got != "job-1" {
		t.Fatalf("redelivery failed: got=%q err=%v", got, err)
	}
}

func TestAckStopsRedelivery(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.QueueHigh, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, allLanes()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked job reclaimed: %v", ids)
	}
}

func TestExtendLeasePushesDeadline(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.QueueHigh, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, allLanes()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.ExtendLease(ctx, "job-1", 10*time.Minute); err != nil {
		t.Fatalf("extend lease: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("extended lease reclaimed early: %v", ids)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Schedule(ctx, "job-1", models.QueueDefault, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Not yet due.
	if got, _ := q.Dequeue(ctx, allLanes()); got != "" {
		t.Fatalf("scheduled job dequeued early: %q", got)
	}
	n, err := q.PromoteScheduled(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d jobs before due time", n)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d jobs, want 1", n)
	}
	got, err := q.Dequeue(ctx, allLanes())
	if err != nil || got != "job-1" {
		t.Fatalf("dequeue after promotion: got=%q err=%v", got, err)
	}
}

func TestRetryKeepsLane(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.QueueCritical, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, allLanes()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	nextRun := time.Now().Add(time.Minute)
	if err := q.Retry(ctx, "job-1", models.QueueCritical, nextRun); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// The inflight lease is gone: nothing to reclaim even far past the deadline.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("retried job still leased: %v", ids)
	}

	n, err := q.PromoteScheduled(ctx, nextRun.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d jobs, want 1", n)
	}

	depth, err := q.Depth(ctx, models.QueueCritical)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("critical depth = %d, want 1: retried job lost its lane", depth)
	}
	if d, _ := q.Depth(ctx, models.QueueDefault); d != 0 {
		t.Fatalf("default depth = %d, retried job fell into the default lane", d)
	}
}

func TestEnqueueFutureGoesToScheduled(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.QueueHigh, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, _ := q.Dequeue(ctx, allLanes()); got != "" {
		t.Fatalf("deferred job immediately ready: %q", got)
	}
	depth, err := q.Depth(ctx, models.QueueHigh)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("ready depth = %d, want 0", depth)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "ready-job", models.QueueHigh, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Schedule(ctx, "sched-job", models.QueueHigh, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Cancel(ctx, "ready-job"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := q.Cancel(ctx, "sched-job"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got, _ := q.Dequeue(ctx, allLanes()); got != "" {
		t.Fatalf("cancelled job dequeued: %q", got)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 100); n != 0 {
		t.Fatalf("cancelled scheduled job promoted")
	}
}

func TestDLQRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.DLQPush(ctx, "dead-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	if err := q.DLQPush(ctx, "dead-2"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}

	ids, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(ids) != 2 || ids[0] != "dead-1" {
		t.Fatalf("dlq peek = %v", ids)
	}

	if err := q.DLQRequeue(ctx, "dead-1", models.QueueDefault); err != nil {
		t.Fatalf("dlq requeue: %v", err)
	}
	ids, _ = q.DLQPeek(ctx, 10)
	if len(ids) != 1 || ids[0] != "dead-2" {
		t.Fatalf("dlq after requeue = %v", ids)
	}
	got, err := q.Dequeue(ctx, allLanes())
	if err != nil || got != "dead-1" {
		t.Fatalf("requeued job not deliverable: got=%q err=%v", got, err)
	}
}

func TestDepths(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	now := time.Now()
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, id, models.QueueCritical, now); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.Enqueue(ctx, "c", models.QueueLow, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depths, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[models.QueueCritical] != 2 || depths[models.QueueLow] != 1 || depths[models.QueueHigh] != 0 {
		t.Fatalf("depths = %v", depths)
	}
}
