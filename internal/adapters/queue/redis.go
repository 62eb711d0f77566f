package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safemode/link-scanner/internal/domain"
)

// Queue names shared with the message-handler and deep-scan services.
const (
	ScanQueue     = "queue:scan"
	VerdictQueue  = "queue:verdict"
	DeepScanQueue = "queue:deepscan"
)

// popTimeout bounds each blocking pop so the worker can observe ctx
// cancellation between polls.
const popTimeout = 5 * time.Second

// RedisQueue implements ports.JobQueue on Redis lists. Producers LPUSH,
// consumers BRPOP, so each queue behaves FIFO.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(ctx context.Context, addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient wraps an existing client, mainly for tests.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// PopScanJob blocks until a scan request arrives or ctx is cancelled.
func (q *RedisQueue) PopScanJob(ctx context.Context) (*domain.ScanJob, error) {
	for {
		res, err := q.client.BRPop(ctx, popTimeout, ScanQueue).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop scan job: %w", err)
		}
		// BRPop returns [queue, payload].
		var job domain.ScanJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, fmt.Errorf("decode scan job: %w", err)
		}
		return &job, nil
	}
}

func (q *RedisQueue) PushVerdict(ctx context.Context, job *domain.VerdictJob) error {
	return q.push(ctx, VerdictQueue, job)
}

func (q *RedisQueue) PushDeepScan(ctx context.Context, job *domain.DeepScanJob) error {
	return q.push(ctx, DeepScanQueue, job)
}

func (q *RedisQueue) push(ctx context.Context, queue string, job any) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", queue, err)
	}
	if err := q.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("push %s job: %w", queue, err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
