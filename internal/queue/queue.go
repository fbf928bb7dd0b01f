// Package queue buffers inbound webhooks and hands them to the dispatcher
// with bounded concurrency, exponential backoff and a terminal failed event.
package queue

import (
	"context"
	"errors"
	"time"

	"crmsync/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

// Handler processes one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job *models.WebhookJob) error

// FailedHandler is called once a job has used up its attempts.
type FailedHandler func(job models.WebhookJob, err error)

// Queue is implemented by the memory and RabbitMQ backends.
type Queue interface {
	Enqueue(ctx context.Context, provider models.Provider, payload string) (*models.WebhookJob, error)
	OnProcess(h Handler)
	OnFailed(h FailedHandler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() Stats
}

// Inspector lists and retries pending jobs.
type Inspector interface {
	Jobs(provider models.Provider, limit int) []models.WebhookJob
	Retry(id string) error
}

type Stats struct {
	Backend   string `json:"backend"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Retried   int64  `json:"retried"`
	Evicted   int64  `json:"evicted"`
}

// Options tune both backends. Zero values take the defaults below.
type Options struct {
	Concurrency int
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	MaxJobAge   time.Duration
	PollEvery   time.Duration
	SweepEvery  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.MaxJobAge <= 0 {
		o.MaxJobAge = time.Hour
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 100 * time.Millisecond
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Minute
	}
	return o
}

// Backoff returns min(base*2^(attempts-1), limit).
func Backoff(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
