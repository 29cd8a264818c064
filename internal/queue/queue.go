// Package queue is a durable work queue on top of PostgreSQL. Jobs are
// claimed with FOR UPDATE SKIP LOCKED under a visibility timeout, so
// delivery is at-least-once: a worker that dies mid-job loses its claim
// when the timeout expires and another worker picks the job up again.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/minirag/minirag/internal/log"
)

// Job kinds understood by the worker binary.
const KindIngestSource = "ingest_source"

// IngestPayload is the payload of an ingest_source job.
type IngestPayload struct {
	SourceID uuid.UUID `json:"source_id"`
	TenantID uuid.UUID `json:"tenant_id"`
}

// Job is one claimed unit of work.
type Job struct {
	ID       uuid.UUID
	Kind     string
	Payload  []byte
	Attempts int
}

// Handler processes one job. A returned error releases the job for
// redelivery until the attempt limit is reached.
type Handler func(ctx context.Context, job Job) error

// Queue enqueues and claims jobs.
//
// Queue is safe for concurrent use by multiple goroutines.
type Queue struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Queue.
func New(pool *pgxpool.Pool, logger log.Logger) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Queue{pool: pool, logger: logger}, nil
}

// Enqueue adds a job. payload is marshaled to JSON.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (uuid.UUID, error) {
	if kind == "" {
		return uuid.Nil, fmt.Errorf("job kind is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling job payload: %w", err)
	}

	var id uuid.UUID
	err = q.pool.QueryRow(ctx,
		`INSERT INTO jobs (kind, payload) VALUES ($1, $2) RETURNING id`,
		kind, body,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueuing %s job: %w", kind, err)
	}

	q.logger.Debug("job enqueued", "job_id", id, "kind", kind)
	return id, nil
}

// claimJobsSQL locks up to $2 deliverable jobs and stamps a visibility
// timeout. Queued jobs are deliverable immediately; running jobs become
// deliverable again once their previous claim expires.
const claimJobsSQL = `UPDATE jobs SET
	status = 'running',
	attempts = attempts + 1,
	locked_until = now() + make_interval(secs => $1::float8),
	updated_at = now()
WHERE id IN (
	SELECT id FROM jobs
	WHERE status = 'queued'
	   OR (status = 'running' AND locked_until <= now())
	ORDER BY created_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
RETURNING id, kind, payload, attempts`

// claim locks and returns up to limit deliverable jobs.
func (q *Queue) claim(ctx context.Context, limit int, visibility time.Duration) ([]Job, error) {
	rows, err := q.pool.Query(ctx, claimJobsSQL, visibility.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts); err != nil {
			return nil, fmt.Errorf("scanning claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed jobs: %w", err)
	}
	return jobs, nil
}

// finish records the outcome of one handled job. Success marks it done;
// failure releases it for redelivery, or marks it failed once the
// attempt limit is exhausted.
func (q *Queue) finish(ctx context.Context, job Job, handlerErr error, maxAttempts int) error {
	if handlerErr == nil {
		_, err := q.pool.Exec(ctx,
			`UPDATE jobs SET status = 'done', locked_until = NULL, updated_at = now()
			 WHERE id = $1`,
			job.ID,
		)
		if err != nil {
			return fmt.Errorf("marking job %s done: %w", job.ID, err)
		}
		return nil
	}

	status := "queued"
	if job.Attempts >= maxAttempts {
		status = "failed"
	}
	_, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, locked_until = NULL, last_error = $3, updated_at = now()
		 WHERE id = $1`,
		job.ID, status, handlerErr.Error(),
	)
	if err != nil {
		return fmt.Errorf("recording job %s failure: %w", job.ID, err)
	}
	return nil
}

// WorkerOptions tunes the consumer loop. Zero values select defaults.
type WorkerOptions struct {
	Concurrency  int           // parallel handlers, default 10
	JobTimeout   time.Duration // per-job deadline and visibility timeout, default 10m
	PollInterval time.Duration // idle sleep between claim attempts, default 2s
	MaxAttempts  int           // deliveries before a job is failed, default 3
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Worker consumes jobs with bounded concurrency.
type Worker struct {
	queue    *Queue
	opts     WorkerOptions
	handlers map[string]Handler
	logger   log.Logger
}

// NewWorker creates a Worker over a queue.
func NewWorker(q *Queue, opts WorkerOptions, logger log.Logger) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Worker{
		queue:    q,
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
		logger:   logger,
	}, nil
}

// Register installs the handler for a job kind. Must be called before Run.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run consumes jobs until ctx is canceled. Handler errors are recorded
// on the job and never stop the loop. Returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		jobs, err := w.queue.claim(ctx, w.opts.Concurrency, w.opts.JobTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("claiming jobs", "error", err)
		}

		for _, job := range jobs {
			g.Go(func() error {
				w.process(gctx, job)
				return nil
			})
		}

		// Poll immediately while the queue has depth, otherwise sleep.
		if len(jobs) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case <-ticker.C:
		}
	}

	_ = g.Wait()
	return nil
}

// process runs one job under its deadline and records the outcome.
// Handler panics are contained so a bad job cannot kill the worker.
func (w *Worker) process(ctx context.Context, job Job) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.logger.Warn("no handler for job kind", "job_id", job.ID, "kind", job.Kind)
		_ = w.queue.finish(ctx, job, fmt.Errorf("no handler for kind %q", job.Kind), 0)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(jobCtx, job)
	}()

	if err != nil {
		w.logger.Warn("job failed",
			"job_id", job.ID, "kind", job.Kind,
			"attempt", job.Attempts, "duration", time.Since(start), "error", err)
	} else {
		w.logger.Info("job done",
			"job_id", job.ID, "kind", job.Kind, "duration", time.Since(start))
	}

	// Record the outcome with a fresh context so shutdown does not lose it.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()
	if finishErr := w.queue.finish(finishCtx, job, err, w.opts.MaxAttempts); finishErr != nil {
		w.logger.Error("recording job outcome", "job_id", job.ID, "error", finishErr)
	}
}
