package models

import "time"

// WebhookJob is a queued webhook delivery waiting to be dispatched.
type WebhookJob struct {
	ID          string     `json:"id"`
	Provider    Provider   `json:"provider"`
	Payload     string     `json:"payload"`
	UserID      *int64     `json:"userId,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	RetryAfter  *time.Time `json:"retryAfter,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Ready reports whether the job's backoff has elapsed.
func (j *WebhookJob) Ready(now time.Time) bool {
	return j.RetryAfter == nil || !now.Before(*j.RetryAfter)
}
