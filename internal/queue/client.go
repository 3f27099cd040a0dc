package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/hibiken/asynq"
)

// ErrAlreadyQueued is returned when a job already has a task in the queue.
var ErrAlreadyQueued = errors.New("job is already queued")

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewClient(cfg config.QueueConfig) *Client {
	maxRetry := cfg.MaxRetry
	if maxRetry < 0 {
		maxRetry = 0
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		client:   asynq.NewClient(cfg.RedisClientOpt()),
		queue:    cfg.Name,
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

// EnqueuePrepareAvatar uses the job id as task id so a job runs at most once
// at a time.
func (c *Client) EnqueuePrepareAvatar(ctx context.Context, payload PrepareAvatarPayload) (*asynq.TaskInfo, error) {
	task, err := NewPrepareAvatarTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, ErrAlreadyQueued
	}
	return info, err
}

func (c *Client) Close() error {
	return c.client.Close()
}
