package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"threadline/internal/util"
)

// PurgeJob is one object-store key whose blob row is already gone.
type PurgeJob struct {
	ID         string
	StorageKey string
	Reason     string
	Attempts   int
}

// RedisPurgeQueue is a Redis-streams work queue of object keys to delete.
// The stream entry carries the whole job; jobs that exhaust their retries are
// moved to a dead-letter stream with the last error.
type RedisPurgeQueue struct {
	client       *redis.Client
	stream       string
	deadStream   string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

func NewRedisPurgeQueue(cfg RedisQueueConfig) (*RedisPurgeQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	q := &RedisPurgeQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       strings.TrimSpace(cfg.Stream),
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
	}
	if q.stream == "" {
		q.stream = "threadline:purge"
	}
	q.deadStream = q.stream + ":dead"
	if q.group == "" {
		q.group = "purgers"
	}
	if q.consumerBase == "" {
		q.consumerBase = util.NewID()
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 30 * time.Second
	}
	if q.retryDelay < 0 {
		q.retryDelay = 0
	} else if q.retryDelay == 0 {
		q.retryDelay = 2 * time.Second
	}
	if q.maxLen <= 0 {
		q.maxLen = 100000
	}
	if q.readCount <= 0 {
		q.readCount = 20
	}
	return q, nil
}

// Enqueue adds one purge job per non-empty key in a single round trip.
func (q *RedisPurgeQueue) Enqueue(ctx context.Context, reason string, keys ...string) ([]PurgeJob, error) {
	jobs := make([]PurgeJob, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			jobs = append(jobs, PurgeJob{ID: util.NewID(), StorageKey: key, Reason: reason})
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, job := range jobs {
			p.XAdd(ctx, q.addArgs(q.stream, job, nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue purge: %w", err)
	}
	return jobs, nil
}

// Start launches concurrency consumers that call handler for every job until
// ctx is done.
func (q *RedisPurgeQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, PurgeJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
}

// Close releases the Redis client.
func (q *RedisPurgeQueue) Close() error {
	return q.client.Close()
}

func (q *RedisPurgeQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so keys enqueued while no worker ran are still purged.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("purge queue group create failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisPurgeQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, PurgeJob) error) {
	for ctx.Err() == nil {
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    q.readCount,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisPurgeQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, PurgeJob) error) {
	job := decodePurgeJob(msg.Values)
	if job.ID == "" || job.StorageKey == "" {
		q.ack(ctx, msg.ID)
		return
	}
	job.Attempts++
	herr := handler(ctx, job)
	if herr == nil {
		q.ack(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Warn("object purge abandoned", "storage_key", job.StorageKey, "attempts", job.Attempts, "err", herr)
		if err := q.moveAndAck(ctx, msg.ID, q.deadStream, job, herr); err != nil {
			slog.Warn("purge dead-letter failed", "storage_key", job.StorageKey, "err", err)
		}
		return
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	if err := q.moveAndAck(ctx, msg.ID, q.stream, job, herr); err != nil {
		slog.Warn("purge requeue failed", "storage_key", job.StorageKey, "err", err)
	}
}

func (q *RedisPurgeQueue) ack(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// moveAndAck re-adds job to stream and acks the original atomically, so a
// failure leaves the original pending for XAUTOCLAIM.
func (q *RedisPurgeQueue) moveAndAck(ctx context.Context, msgID, stream string, job PurgeJob, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(stream, job, cause))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisPurgeQueue) addArgs(stream string, job PurgeJob, cause error) *redis.XAddArgs {
	values := map[string]any{
		"job_id":      job.ID,
		"storage_key": job.StorageKey,
		"reason":      job.Reason,
		"attempts":    strconv.Itoa(job.Attempts),
	}
	if cause != nil {
		values["error"] = cause.Error()
	}
	return &redis.XAddArgs{Stream: stream, MaxLen: q.maxLen, Approx: true, Values: values}
}

func decodePurgeJob(values map[string]any) PurgeJob {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	job := PurgeJob{ID: str("job_id"), StorageKey: str("storage_key"), Reason: str("reason")}
	if n, err := strconv.Atoi(str("attempts")); err == nil {
		job.Attempts = n
	}
	return job
}
