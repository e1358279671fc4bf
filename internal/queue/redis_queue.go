package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scribeq/internal/config"
	"scribeq/internal/models"
)

// RedisQueue is the durable job queue fabric: one ready list per priority
// lane, a scheduled ZSET for deferred work (retry backoff and cron delays),
// and an inflight ZSET whose scores are visibility deadlines. A job stays in
// inflight until acked, so an unacked lease past its deadline is redelivered.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds the queue fabric from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "scribeq:inflight",
		scheduledKey:  "scribeq:scheduled",
		jobMetaPrefix: "scribeq:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        "scribeq:dlq",
	}
}

func (q *RedisQueue) readyKey(lane models.QueueClass) string {
	return fmt.Sprintf("scribeq:ready:%s", lane)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) laneFor(ctx context.Context, jobID string) models.QueueClass {
	lane, err := q.client.HGet(ctx, q.metaKey(jobID), "lane").Result()
	if err != nil || lane == "" {
		return models.QueueDefault
	}
	return models.QueueClass(lane)
}

// Enqueue inserts a job into its lane, or into the scheduled set when runAt
// is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error {
	if lane == "" {
		lane = models.QueueDefault
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", string(lane))
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(lane), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred delivery. Retried
// jobs come back through here, so they re-enter their lane behind newer work.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error {
	if lane == "" {
		lane = models.QueueDefault
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", string(lane))
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Retry atomically releases a job's inflight lease and schedules its next
// attempt. One pipeline, so the lane survives: a plain Schedule followed by
// Ack would delete the meta record and dump the promoted job into the
// default lane.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error {
	if lane == "" {
		lane = models.QueueDefault
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HSet(ctx, q.metaKey(jobID), "lane", string(lane))
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lanes. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		lane := q.laneFor(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(lane), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the first job found scanning the given lanes in order and
// places it into inflight with a visibility deadline. Pool workers pass their
// own lane first, then higher-weight lanes, so urgent work is drained
// preferentially while every lane keeps its own dedicated workers.
func (q *RedisQueue) Dequeue(ctx context.Context, scan []models.QueueClass) (string, error) {
	keys := make([]string, 0, len(scan)+1)
	for _, lane := range scan {
		keys = append(keys, q.readyKey(lane))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Long transcription runs call this ahead of the soft time limit.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them into their
// lanes. This is the redelivery half of ack-late semantics.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		lane := q.laneFor(ctx, id)
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(lane), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, lane := range models.AllQueueClasses() {
		pipe.LRem(ctx, q.readyKey(lane), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads up to count dead-lettered job IDs without removing them.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRequeue removes a job from the DLQ and pushes it back into a lane.
func (q *RedisQueue) DLQRequeue(ctx context.Context, jobID string, lane models.QueueClass) error {
	if lane == "" {
		lane = models.QueueDefault
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.dlqKey, 0, jobID)
	pipe.HSet(ctx, q.metaKey(jobID), "lane", string(lane))
	pipe.RPush(ctx, q.readyKey(lane), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the ready-queue length for one lane.
func (q *RedisQueue) Depth(ctx context.Context, lane models.QueueClass) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(lane)).Result()
}

// Depths returns the ready-queue length for every lane.
func (q *RedisQueue) Depths(ctx context.Context) (map[models.QueueClass]int64, error) {
	lanes := models.AllQueueClasses()
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(lanes))
	for i, lane := range lanes {
		cmds[i] = pipe.LLen(ctx, q.readyKey(lane))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[models.QueueClass]int64, len(lanes))
	for i, lane := range lanes {
		out[lane] = cmds[i].Val()
	}
	return out, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
