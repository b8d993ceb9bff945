package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

// Job is one unit of deferred work.
type Job struct {
	ID         string
	Name       string
	EnqueuedAt time.Time
	Run        func(ctx context.Context) error
}

// Metrics is an optional sink for queue activity.
type Metrics interface {
	SetQueueDepth(n int)
	IncQueueJob(outcome string)
}

// Queue is an in-process FIFO with at most one consumer goroutine. Enqueue
// starts a consumer when none is running; the consumer drains the queue and
// exits. It is safe for concurrent use.
type Queue struct {
	mu            sync.Mutex
	jobs          *deque.Deque[Job]
	running       bool
	jobTimeout    time.Duration
	nudgeInterval time.Duration
	metrics       Metrics
	done          chan struct{}
	stopOnce      sync.Once
}

// New creates a Queue. Each job gets jobTimeout to finish; Start re-checks for
// stranded jobs every nudgeInterval.
func New(jobTimeout, nudgeInterval time.Duration) *Queue {
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	if nudgeInterval <= 0 {
		nudgeInterval = 5 * time.Second
	}
	return &Queue{
		jobs:          deque.New[Job](),
		jobTimeout:    jobTimeout,
		nudgeInterval: nudgeInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics sink.
func (q *Queue) SetMetrics(m Metrics) {
	q.metrics = m
}

// Enqueue appends a job and returns its id.
func (q *Queue) Enqueue(name string, run func(ctx context.Context) error) string {
	job := Job{
		ID:         uuid.NewString(),
		Name:       name,
		EnqueuedAt: time.Now(),
		Run:        run,
	}

	q.mu.Lock()
	q.jobs.PushBack(job)
	depth := q.jobs.Len()
	q.mu.Unlock()

	q.setDepth(depth)
	q.ensureConsumer()
	return job.ID
}

// ensureConsumer starts the consumer unless one is already running.
func (q *Queue) ensureConsumer() {
	q.mu.Lock()
	if q.running || q.jobs.Len() == 0 {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.consume()
}

func (q *Queue) consume() {
	for {
		q.mu.Lock()
		if q.jobs.Len() == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs.PopFront()
		depth := q.jobs.Len()
		q.mu.Unlock()

		q.setDepth(depth)
		q.process(job)
	}
}

// process runs a single job. Errors and panics are logged and never stop the
// consumer.
func (q *Queue) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.jobTimeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return job.Run(ctx)
	}()

	if err != nil {
		slog.Error("queue job failed",
			"job_id", job.ID, "job", job.Name,
			"wait", start.Sub(job.EnqueuedAt), "error", err)
		q.incJob("error")
		return
	}
	slog.Debug("queue job done", "job_id", job.ID, "job", job.Name, "duration", time.Since(start))
	q.incJob("ok")
}

// Start runs the nudge loop that restarts draining if a job was left behind.
// It blocks until Stop is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.nudgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.ensureConsumer()
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}

// Stop ends the nudge loop. Queued jobs still drain.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

// Len returns the number of jobs waiting, excluding one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Idle reports whether the queue is empty with no consumer running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && q.jobs.Len() == 0
}

// Drain blocks until the queue is idle or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.ensureConsumer()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !q.Idle() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("draining queue: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (q *Queue) setDepth(n int) {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(n)
	}
}

func (q *Queue) incJob(outcome string) {
	if q.metrics != nil {
		q.metrics.IncQueueJob(outcome)
	}
}
