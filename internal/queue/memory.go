package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"crmsync/internal/models"
)

// Memory is an in-process FIFO queue. Jobs are lost on restart.
type Memory struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	pending []*models.WebhookJob
	active  map[string]*models.WebhookJob
	stats   Stats
	handler Handler
	failed  []FailedHandler

	running  bool
	stopLoop context.CancelFunc
	jobsCtx  context.Context
	stopJobs context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		now:    time.Now,
		active: make(map[string]*models.WebhookJob),
		stats:  Stats{Backend: "memory"},
	}
}

func (m *Memory) OnProcess(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Memory) OnFailed(h FailedHandler) {
	m.mu.Lock()
	m.failed = append(m.failed, h)
	m.mu.Unlock()
}

func (m *Memory) Enqueue(_ context.Context, provider models.Provider, payload string) (*models.WebhookJob, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("enqueue: unknown provider %q", provider)
	}
	job := &models.WebhookJob{
		ID:          uuid.NewString(),
		Provider:    provider,
		Payload:     payload,
		MaxAttempts: m.opts.MaxAttempts,
		CreatedAt:   m.now(),
	}

	m.mu.Lock()
	m.pending = append(m.pending, job)
	pending := len(m.pending)
	m.mu.Unlock()

	log.Debug().
		Str("jobID", job.ID).
		Str("provider", string(provider)).
		Int("pending", pending).
		Msg("Webhook job enqueued")
	return job, nil
}

// Start launches the polling loop. Jobs run with a context derived from ctx.
func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		return errors.New("queue: no process handler registered")
	}
	if m.running {
		return nil
	}
	loopCtx, stopLoop := context.WithCancel(ctx)
	m.jobsCtx, m.stopJobs = context.WithCancel(context.WithoutCancel(ctx))
	m.stopLoop = stopLoop
	m.loopDone = make(chan struct{})
	m.running = true

	go m.loop(loopCtx)

	log.Info().
		Int("concurrency", m.opts.Concurrency).
		Int("maxAttempts", m.opts.MaxAttempts).
		Dur("retryBase", m.opts.RetryBase).
		Dur("retryCap", m.opts.RetryCap).
		Msg("Memory webhook queue started")
	return nil
}

// Stop ends polling and waits for in-flight jobs until ctx expires, then
// cancels them.
func (m *Memory) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.stopLoop()
	done := m.loopDone
	m.mu.Unlock()
	<-done

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	defer m.stopJobs()
	select {
	case <-finished:
		log.Info().Msg("Memory webhook queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

func (m *Memory) loop(ctx context.Context) {
	defer close(m.loopDone)
	poll := time.NewTicker(m.opts.PollEvery)
	defer poll.Stop()
	sweep := time.NewTicker(m.opts.SweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.tick()
		case <-sweep.C:
			m.sweep()
		}
	}
}

// tick moves ready jobs into the active set, up to the free concurrency.
func (m *Memory) tick() {
	now := m.now()
	m.mu.Lock()
	free := m.opts.Concurrency - len(m.active)
	var picked []*models.WebhookJob
	rest := m.pending[:0]
	for _, job := range m.pending {
		if free > 0 && job.Ready(now) {
			picked = append(picked, job)
			m.active[job.ID] = job
			free--
			continue
		}
		rest = append(rest, job)
	}
	m.pending = rest
	handler := m.handler
	ctx := m.jobsCtx
	m.mu.Unlock()

	for _, job := range picked {
		m.wg.Add(1)
		go m.run(ctx, handler, job)
	}
}

func (m *Memory) run(ctx context.Context, handler Handler, job *models.WebhookJob) {
	defer m.wg.Done()
	start := time.Now()
	err := safeHandle(ctx, handler, job)

	m.mu.Lock()
	if m.active[job.ID] != job {
		m.mu.Unlock()
		log.Warn().Err(err).Str("jobID", job.ID).Dur("took", time.Since(start)).Msg("Webhook job finished after eviction, result discarded")
		return
	}
	delete(m.active, job.ID)
	if err == nil {
		m.stats.Processed++
		m.mu.Unlock()
		log.Debug().Str("jobID", job.ID).Dur("took", time.Since(start)).Msg("Webhook job processed")
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		retryAt := m.now().Add(Backoff(job.Attempts, m.opts.RetryBase, m.opts.RetryCap))
		job.RetryAfter = &retryAt
		m.pending = append(m.pending, job)
		m.stats.Retried++
		m.mu.Unlock()
		log.Warn().
			Err(err).
			Str("jobID", job.ID).
			Int("attempts", job.Attempts).
			Time("retryAfter", retryAt).
			Msg("Webhook job failed, will retry")
		return
	}

	m.stats.Failed++
	failed := append([]FailedHandler(nil), m.failed...)
	snapshot := *job
	m.mu.Unlock()

	log.Error().
		Err(err).
		Str("jobID", job.ID).
		Str("provider", string(job.Provider)).
		Int("attempts", job.Attempts).
		Msg("Webhook job failed permanently")
	for _, h := range failed {
		h(snapshot, err)
	}
}

// sweep evicts pending and active jobs older than MaxJobAge. An evicted
// active job frees its concurrency slot; its handler's result is ignored.
func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	rest := m.pending[:0]
	var evicted int
	for _, job := range m.pending {
		if now.Sub(job.CreatedAt) > m.opts.MaxJobAge {
			evicted++
			continue
		}
		rest = append(rest, job)
	}
	m.pending = rest
	for id, job := range m.active {
		if now.Sub(job.CreatedAt) > m.opts.MaxJobAge {
			delete(m.active, id)
			evicted++
		}
	}
	m.stats.Evicted += int64(evicted)
	m.mu.Unlock()

	if evicted > 0 {
		log.Warn().Int("evicted", evicted).Msg("Evicted stale webhook jobs")
	}
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	s.Active = len(m.active)
	return s
}

// Jobs returns copies of pending and active jobs, oldest first.
func (m *Memory) Jobs(provider models.Provider, limit int) []models.WebhookJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WebhookJob, 0, len(m.pending)+len(m.active))
	for _, job := range m.active {
		if provider == "" || job.Provider == provider {
			out = append(out, *job)
		}
	}
	for _, job := range m.pending {
		if provider == "" || job.Provider == provider {
			out = append(out, *job)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry resets a pending job's attempts and makes it ready immediately.
func (m *Memory) Retry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.pending {
		if job.ID == id {
			job.Attempts = 0
			job.RetryAfter = nil
			job.LastError = ""
			log.Info().Str("jobID", id).Msg("Manual retry triggered for job")
			return nil
		}
	}
	return ErrJobNotFound
}

func safeHandle(ctx context.Context, handler Handler, job *models.WebhookJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func sortByCreated(jobs []models.WebhookJob) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
}
