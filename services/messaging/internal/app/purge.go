package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"threadline/pkg/queue"
	"threadline/pkg/storage"
)

// Purger deletes objects whose blob rows are already gone.
type Purger interface {
	Purge(ctx context.Context, reason string, keys []string) error
}

// PurgeQueue is the subset of the Redis purge queue the app needs.
type PurgeQueue interface {
	Enqueue(ctx context.Context, reason string, keys ...string) ([]queue.PurgeJob, error)
}

// InlinePurger deletes objects synchronously.
type InlinePurger struct {
	objects storage.ObjectStore
}

func NewInlinePurger(objects storage.ObjectStore) *InlinePurger {
	return &InlinePurger{objects: objects}
}

func (p *InlinePurger) Purge(ctx context.Context, _ string, keys []string) error {
	var errs []error
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := p.objects.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// QueuePurger hands keys to the purge queue worker.
type QueuePurger struct {
	queue PurgeQueue
}

func NewQueuePurger(q PurgeQueue) *QueuePurger {
	return &QueuePurger{queue: q}
}

func (p *QueuePurger) Purge(ctx context.Context, reason string, keys []string) error {
	_, err := p.queue.Enqueue(ctx, reason, keys...)
	return err
}

// PurgeObject deletes one object; it is the purge queue worker's handler.
func (a *App) PurgeObject(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return a.objects.Delete(ctx, key)
}

// purge runs after commit; failures are only logged.
func (a *App) purge(ctx context.Context, reason string, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := a.purger.Purge(context.WithoutCancel(ctx), reason, keys); err != nil {
		slog.Warn("object purge failed", "reason", reason, "keys", len(keys), "err", err)
	}
}
