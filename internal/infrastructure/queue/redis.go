package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	infraconfig "github.com/htmltopdf/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// promoteBatch caps how many delayed jobs one promotion moves
const promoteBatch = 100

// promoteScript moves due members of the delayed set onto the ready list
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// reapScript hands claims older than ARGV[2] back to the front of the ready
// list. A claimed id with no claim time, left by a consumer that died between
// BLMOVE and ZADD, is stamped with ARGV[1] so it ages out like the rest.
var reapScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local requeued = 0
for _, id in ipairs(ids) do
	local claimed = redis.call('ZSCORE', KEYS[2], id)
	if not claimed then
		redis.call('ZADD', KEYS[2], ARGV[1], id)
	elseif tonumber(claimed) <= tonumber(ARGV[2]) then
		redis.call('LREM', KEYS[1], 0, id)
		redis.call('ZREM', KEYS[2], id)
		redis.call('RPUSH', KEYS[3], id)
		requeued = requeued + 1
	end
end
return requeued
`)

// RedisQueue is a Queue shared by every process pointing at one Redis.
// Job records are JSON strings and the ready backlog is a list. Dequeue
// moves an id onto the claimed list with BLMOVE and stamps its claim time
// in a sorted set; the claim is dropped when the job is retried or reaches
// a terminal state. Claims older than ClaimTimeout belong to a consumer that
// died and are redelivered. Delayed retries wait in a sorted set scored by
// due time.
type RedisQueue struct {
	client     redis.Cmdable
	closer     func() error
	config     Config
	logger     *zap.Logger
	closed     atomic.Bool
	jobPrefix  string
	readyKey   string
	delayKey   string
	claimedKey string
	claimAtKey string
}

// RedisOption configures a RedisQueue
type RedisOption func(*RedisQueue)

// WithRedisLogger sets a custom logger
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(q *RedisQueue) {
		q.logger = logger
	}
}

// NewRedisQueue creates a queue on an existing client. The caller owns the
// client lifecycle.
func NewRedisQueue(client redis.Cmdable, cfg Config, opts ...RedisOption) *RedisQueue {
	cfg = cfg.withDefaults()
	q := &RedisQueue{
		client:     client,
		config:     cfg,
		logger:     zap.NewNop(),
		jobPrefix:  cfg.KeyPrefix + "job:",
		readyKey:   cfg.KeyPrefix + "queue:ready",
		delayKey:   cfg.KeyPrefix + "queue:delayed",
		claimedKey: cfg.KeyPrefix + "queue:claimed",
		claimAtKey: cfg.KeyPrefix + "queue:claimed_at",
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewRedisQueueFromConfig connects to Redis and verifies the connection.
// The returned queue closes the client on Close.
func NewRedisQueueFromConfig(rc infraconfig.RedisConfig, cfg Config, opts ...RedisOption) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr(),
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	q := NewRedisQueue(client, cfg, opts...)
	q.closer = client.Close
	return q, nil
}

// Enqueue stores the record with SETNX and pushes the id onto the ready list
func (q *RedisQueue) Enqueue(ctx context.Context, job *conversion.Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	created, err := q.client.SetNX(ctx, q.jobKey(job.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !created {
		return jobExists(job.ID)
	}

	if err := q.client.LPush(ctx, q.readyKey, job.ID).Err(); err != nil {
		_ = q.client.Del(ctx, q.jobKey(job.ID)).Err()
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue promotes due retries and stale claims, then claims the oldest
// ready id. BLMOVE hands each id to exactly one consumer.
func (q *RedisQueue) Dequeue(ctx context.Context) (*conversion.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
		}
		if err := q.reapStale(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("Failed to requeue stale claims", zap.Error(err))
		}

		id, err := q.client.BLMove(ctx, q.readyKey, q.claimedKey, "RIGHT", "LEFT", q.config.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if q.closed.Load() {
				return nil, ErrQueueClosed
			}
			return nil, fmt.Errorf("claim ready job: %w", err)
		}

		if err := q.client.ZAdd(ctx, q.claimAtKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: id}).Err(); err != nil {
			// reapStale stamps it on the next pass
			q.logger.Warn("Failed to record claim time", zap.String("job_id", id), zap.Error(err))
		}

		job, err := q.Get(ctx, id)
		if errors.Is(err, conversion.ErrJobNotFound) {
			q.logger.Debug("Skipping evicted job", zap.String("job_id", id))
			if rerr := q.release(ctx, id); rerr != nil {
				q.logger.Warn("Failed to release claim", zap.String("job_id", id), zap.Error(rerr))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

// Retry saves job, schedules it on the delayed set and drops its claim in
// one transaction
func (q *RedisQueue) Retry(ctx context.Context, job *conversion.Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	due := time.Now().Add(delay).UnixMilli()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), payload, q.config.retention(job.Status))
		pipe.ZAdd(ctx, q.delayKey, redis.Z{Score: float64(due), Member: job.ID})
		q.unclaim(ctx, pipe, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

// Save overwrites the record. Terminal jobs get a TTL and lose their claim.
func (q *RedisQueue) Save(ctx context.Context, job *conversion.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), payload, q.config.retention(job.Status))
		if job.Status.IsTerminal() {
			q.unclaim(ctx, pipe, job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads and decodes a job record
func (q *RedisQueue) Get(ctx context.Context, id string) (*conversion.Job, error) {
	payload, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, jobNotFound(id)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job conversion.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Close stops consumers and closes an owned client
func (q *RedisQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if q.closer != nil {
		return q.closer()
	}
	return nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client, []string{q.delayKey, q.readyKey}, now, promoteBatch).Err()
}

func (q *RedisQueue) reapStale(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-q.config.ClaimTimeout).UnixMilli()
	n, err := reapScript.Run(ctx, q.client,
		[]string{q.claimedKey, q.claimAtKey, q.readyKey},
		now.UnixMilli(), cutoff).Int()
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Warn("Requeued jobs from abandoned claims", zap.Int("count", n))
	}
	return nil
}

func (q *RedisQueue) release(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.unclaim(ctx, pipe, id)
		return nil
	})
	return err
}

func (q *RedisQueue) unclaim(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.LRem(ctx, q.claimedKey, 0, id)
	pipe.ZRem(ctx, q.claimAtKey, id)
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

var _ Queue = (*RedisQueue)(nil)
