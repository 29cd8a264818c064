package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/testutil"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tdb := testutil.SetupTestDB(t)
	q, err := New(tdb.Pool, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

func jobStatus(t *testing.T, q *Queue, id uuid.UUID) string {
	t.Helper()
	var status string
	err := q.pool.QueryRow(context.Background(),
		`SELECT status FROM jobs WHERE id = $1`, id,
	).Scan(&status)
	if err != nil {
		t.Fatalf("reading job status: %v", err)
	}
	return status
}

func TestEnqueueAndClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := IngestPayload{SourceID: uuid.New(), TenantID: uuid.New()}
	id, err := q.Enqueue(ctx, KindIngestSource, payload)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	jobs, err := q.claim(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(jobs))
	}
	if jobs[0].ID != id {
		t.Errorf("claimed job %s, want %s", jobs[0].ID, id)
	}
	if jobs[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", jobs[0].Attempts)
	}

	var got IngestPayload
	if err := json.Unmarshal(jobs[0].Payload, &got); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if got.SourceID != payload.SourceID || got.TenantID != payload.TenantID {
		t.Errorf("payload = %+v, want %+v", got, payload)
	}

	// A claimed job is invisible until its visibility timeout expires.
	again, err := q.claim(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("second claim() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d jobs, want 0", len(again))
	}
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindIngestSource, IngestPayload{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if _, err := q.claim(ctx, 1, 50*time.Millisecond); err != nil {
		t.Fatalf("claim() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	jobs, err := q.claim(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("reclaim error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("reclaimed %d jobs, want 1", len(jobs))
	}
	if jobs[0].ID != id {
		t.Errorf("reclaimed job %s, want %s", jobs[0].ID, id)
	}
	if jobs[0].Attempts != 2 {
		t.Errorf("attempts after redelivery = %d, want 2", jobs[0].Attempts)
	}
}

func TestFinish(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	t.Run("success marks done", func(t *testing.T) {
		id, _ := q.Enqueue(ctx, KindIngestSource, IngestPayload{})
		jobs, err := q.claim(ctx, 1, time.Minute)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("claim() = %d jobs, err %v", len(jobs), err)
		}

		if err := q.finish(ctx, jobs[0], nil, 3); err != nil {
			t.Fatalf("finish() error = %v", err)
		}
		if got := jobStatus(t, q, id); got != "done" {
			t.Errorf("status = %q, want %q", got, "done")
		}
	})

	t.Run("error releases for retry", func(t *testing.T) {
		id, _ := q.Enqueue(ctx, KindIngestSource, IngestPayload{})
		jobs, _ := q.claim(ctx, 1, time.Minute)
		if len(jobs) != 1 {
			t.Fatalf("claimed %d jobs, want 1", len(jobs))
		}

		if err := q.finish(ctx, jobs[0], errors.New("boom"), 3); err != nil {
			t.Fatalf("finish() error = %v", err)
		}
		if got := jobStatus(t, q, id); got != "queued" {
			t.Errorf("status = %q, want %q", got, "queued")
		}
	})

	t.Run("error at attempt limit marks failed", func(t *testing.T) {
		id, _ := q.Enqueue(ctx, KindIngestSource, IngestPayload{})

		var last Job
		for attempt := 1; attempt <= 3; attempt++ {
			jobs, err := q.claim(ctx, 10, time.Minute)
			if err != nil {
				t.Fatalf("claim() error = %v", err)
			}
			last = Job{}
			for _, j := range jobs {
				if j.ID == id {
					last = j
				}
			}
			if last.ID != id {
				t.Fatalf("attempt %d: job not claimed", attempt)
			}
			if last.Attempts != attempt {
				t.Fatalf("attempt %d: attempts = %d", attempt, last.Attempts)
			}
			if err := q.finish(ctx, last, errors.New("boom"), 3); err != nil {
				t.Fatalf("finish() error = %v", err)
			}
		}

		if got := jobStatus(t, q, id); got != "failed" {
			t.Errorf("status = %q, want %q", got, "failed")
		}
	})
}

func TestWorkerRun(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWorker(q, WorkerOptions{
		Concurrency:  2,
		PollInterval: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	handled := make(chan uuid.UUID, 1)
	w.Register(KindIngestSource, func(_ context.Context, job Job) error {
		var p IngestPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		handled <- p.SourceID
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	want := uuid.New()
	id, err := q.Enqueue(ctx, KindIngestSource, IngestPayload{SourceID: want})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case got := <-handled:
		if got != want {
			t.Errorf("handled source %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not process job in time")
	}

	// Wait for the outcome to be recorded.
	deadline := time.Now().Add(5 * time.Second)
	for jobStatus(t, q, id) != "done" {
		if time.Now().After(deadline) {
			t.Fatalf("job status = %q, want done", jobStatus(t, q, id))
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not shut down")
	}
}

func TestWorkerPanicContained(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	w, err := NewWorker(q, WorkerOptions{MaxAttempts: 1}, nil)
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	w.Register(KindIngestSource, func(context.Context, Job) error {
		panic("handler exploded")
	})

	id, _ := q.Enqueue(ctx, KindIngestSource, IngestPayload{})
	jobs, err := q.claim(ctx, 1, time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim() = %d jobs, err %v", len(jobs), err)
	}

	w.process(ctx, jobs[0])

	if got := jobStatus(t, q, id); got != "failed" {
		t.Errorf("status after panic = %q, want %q", got, "failed")
	}
}
