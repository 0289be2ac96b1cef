// Package queue coordinates ready and in-flight job dispatch in Redis.
// Postgres stays the source of truth for job state; Redis only orders
// delivery to workers.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"piiguard/internal/config"
)

// Priority queue names, highest first.
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

// PriorityName maps a job's integer priority to a queue name.
func PriorityName(priority int) string {
	switch {
	case priority > 0:
		return PriorityHigh
	case priority < 0:
		return PriorityLow
	default:
		return PriorityDefault
	}
}

// Dispatch routes queued job IDs to workers with a visibility timeout.
type Dispatch struct {
	client        *redis.Client
	priorities    []string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewDispatch builds a dispatch client from config.
func NewDispatch(cfg config.Config) *Dispatch {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewDispatchWithClient(client, cfg.PriorityQueues, cfg.VisibilityTimeout)
}

// NewDispatchWithClient is the injectable constructor used by tests.
func NewDispatchWithClient(client *redis.Client, priorities []string, visibility time.Duration) *Dispatch {
	if len(priorities) == 0 {
		priorities = []string{PriorityHigh, PriorityDefault, PriorityLow}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Dispatch{
		client:        client,
		priorities:    priorities,
		inflightKey:   "dispatch:inflight",
		visibilityTTL: visibility,
	}
}

func (d *Dispatch) readyKey(priority string) string {
	return fmt.Sprintf("dispatch:ready:%s", priority)
}

// Enqueue pushes a job onto the ready queue for its priority.
func (d *Dispatch) Enqueue(ctx context.Context, jobID string, priority string) error {
	if priority == "" {
		priority = PriorityDefault
	}
	return d.client.RPush(ctx, d.readyKey(priority), jobID).Err()
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into the in-flight set with a visibility deadline.
func (d *Dispatch) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(d.priorities)+1)
	for _, p := range d.priorities {
		keys = append(keys, d.readyKey(p))
	}
	keys = append(keys, d.inflightKey)

	res, err := dequeueScript.Run(ctx, d.client, keys, time.Now().Add(d.visibilityTTL).UnixMilli()).Result()
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
func (d *Dispatch) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return d.client.ZAdd(ctx, d.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (d *Dispatch) Ack(ctx context.Context, jobID string) error {
	return d.client.ZRem(ctx, d.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs on
// the default queue.
func (d *Dispatch) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := d.client.ZRangeByScore(ctx, d.inflightKey, &redis.ZRangeBy{
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

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, d.inflightKey, id)
		pipe.RPush(ctx, d.readyKey(PriorityDefault), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a job from every ready queue and the in-flight set. Used by
// cancellation so workers never lease a cancelled job.
func (d *Dispatch) Remove(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	for _, p := range d.priorities {
		pipe.LRem(ctx, d.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, d.inflightKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of all ready queues.
func (d *Dispatch) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := d.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(d.priorities))
	for _, p := range d.priorities {
		cmds = append(cmds, pipe.LLen(ctx, d.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
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
