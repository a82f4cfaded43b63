package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/BSI-Bund/Katti/internal/model"
	"github.com/BSI-Bund/Katti/internal/ooi"
)

// Client enqueues continuations. It satisfies engine.Enqueuer.
type Client struct {
	c        *asynq.Client
	timeout  time.Duration
	maxRetry int
}

func NewClient(cfg model.Redis, worker model.Worker) (*Client, error) {
	var timeout time.Duration
	if worker.SoftTimeLimit != "" {
		d, err := model.ParseISODuration(worker.SoftTimeLimit)
		if err != nil {
			return nil, fmt.Errorf("soft time limit: %w", err)
		}
		timeout = d
	}
	return &Client{
		c:        asynq.NewClient(RedisOpt(cfg)),
		timeout:  timeout,
		maxRetry: worker.MaxRetries,
	}, nil
}

func (c *Client) Close() error {
	return c.c.Close()
}

// Enqueue submits a continuation and returns the assigned task id. A
// positive delay schedules the delivery. Queue-level redelivery covers
// worker and backend failures only; the engine's own retry tiers travel
// inside the continuation payload.
func (c *Client) Enqueue(ctx context.Context, cont *ooi.Continuation, delay time.Duration) (string, error) {
	raw, err := cont.Encode()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	opts := []asynq.Option{
		asynq.TaskID(id),
		asynq.MaxRetry(c.maxRetry),
	}
	if cont.Queue != "" {
		opts = append(opts, asynq.Queue(cont.Queue))
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	if _, err := c.c.EnqueueContext(ctx, asynq.NewTask(TaskName(cont.TaskType), raw), opts...); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", cont.TaskType, err)
	}
	return id, nil
}
