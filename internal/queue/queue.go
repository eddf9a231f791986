// Package queue moves version processing out of the request path through a
// Redis list: producers LPUSH JSON jobs, workers BRPOP them.
//
// Delivery is at most once. A job popped by a worker that dies is lost and
// the version stays in PROCESSANDO or PENDENTE until it is resubmitted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paineis/internal/config"
	"paineis/internal/metrics"
)

// ErrQueueUnavailable is returned by Enqueue when no Redis client is
// configured. Callers fall back to in-process processing.
var ErrQueueUnavailable = errors.New("queue: redis not configured")

// DefaultPollTimeout is used when New gets a non-positive poll timeout.
const DefaultPollTimeout = 5 * time.Second

// Client is the subset of *redis.Client used by the queue.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Job asks a worker to process one dataset version.
type Job struct {
	ID             string    `json:"id"`
	VersionID      int64     `json:"version_id"`
	GoogleSheetURL string    `json:"google_sheet_url,omitempty"`
	ActorID        *int64    `json:"actor_id,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Handler processes one job. Returned errors are logged; the job is not
// retried.
type Handler func(ctx context.Context, job Job) error

// Queue is a Redis list of Jobs.
type Queue struct {
	client      Client
	key         string
	pollTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	backoff     time.Duration
}

// New returns a queue on key. A nil client (including a typed nil
// *redis.Client) yields a queue whose Enqueue always fails with
// ErrQueueUnavailable.
func New(client Client, key string, pollTimeout time.Duration, logger *zap.Logger) *Queue {
	if rc, ok := client.(*redis.Client); ok && rc == nil {
		client = nil
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:      client,
		key:         key,
		pollTimeout: pollTimeout,
		logger:      logger.Named("queue"),
		now:         time.Now,
		backoff:     time.Second,
	}
}

// Available reports whether jobs can be enqueued.
func (q *Queue) Available() bool { return q.client != nil }

// Enqueue pushes a job for versionID and returns it.
func (q *Queue) Enqueue(ctx context.Context, versionID int64, sheetURL string, actorID *int64) (Job, error) {
	if q.client == nil {
		return Job{}, ErrQueueUnavailable
	}
	job := Job{
		ID:             uuid.NewString(),
		VersionID:      versionID,
		GoogleSheetURL: sheetURL,
		ActorID:        actorID,
		EnqueuedAt:     q.now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return Job{}, fmt.Errorf("enqueue version %d: %w", versionID, err)
	}

	metrics.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "enqueued"})
	q.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.Int64("version_id", versionID))
	return job, nil
}

// Consume pops jobs and runs h on each until ctx is cancelled, then returns
// nil. Undecodable payloads are logged and dropped; Redis errors are logged
// and retried after a short pause.
func (q *Queue) Consume(ctx context.Context, h Handler) error {
	if q.client == nil {
		return ErrQueueUnavailable
	}
	q.logger.Info("consumer started", zap.String("key", q.key))

	for {
		if ctx.Err() != nil {
			q.logger.Info("consumer stopped")
			return nil
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			q.logger.Warn("queue pop failed", zap.Error(err))
			q.sleep(ctx)
			continue
		}

		// BRPOP replies [key, value].
		if len(res) != 2 {
			q.logger.Warn("unexpected pop reply", zap.Strings("reply", res))
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil || job.VersionID <= 0 {
			metrics.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "invalid"})
			q.logger.Error("dropping invalid job payload", zap.String("payload", res[1]), zap.Error(err))
			continue
		}

		log := q.logger.With(zap.String("job_id", job.ID), zap.Int64("version_id", job.VersionID))
		log.Info("job received", zap.Duration("waited", q.now().Sub(job.EnqueuedAt)))
		if err := h(ctx, job); err != nil {
			metrics.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "failed"})
			log.Error("job failed", zap.Error(err))
			continue
		}
		metrics.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "done"})
	}
}

func (q *Queue) sleep(ctx context.Context) {
	t := time.NewTimer(q.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// NewRedisClient connects to the configured Redis server. It returns
// (nil, nil) when Redis is not configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
