// Package refresh periodically re-enqueues sources whose refresh
// schedule is due, and reverts sources stuck in processing after a
// worker crash so they become triggerable again.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/store"
)

// DefaultProcessingTimeout is how long a source may stay in processing
// before it is considered abandoned.
const DefaultProcessingTimeout = 30 * time.Minute

// Enqueuer is the queue capability the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (uuid.UUID, error)
}

// Scheduler scans for refresh-due sources.
type Scheduler struct {
	store             *store.Store
	queue             Enqueuer
	processingTimeout time.Duration
	logger            log.Logger
}

// New creates a Scheduler. A non-positive processingTimeout selects the
// default.
func New(st *store.Store, q Enqueuer, processingTimeout time.Duration, logger log.Logger) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if processingTimeout <= 0 {
		processingTimeout = DefaultProcessingTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Scheduler{
		store:             st,
		queue:             q,
		processingTimeout: processingTimeout,
		logger:            logger,
	}, nil
}

// Scan performs one scheduler pass: stuck sources are reverted, then
// every due source gets an ingest job. Returns the number of jobs
// enqueued.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	reverted, err := s.store.RevertStuckProcessing(ctx, s.processingTimeout)
	if err != nil {
		return 0, fmt.Errorf("reverting stuck sources: %w", err)
	}
	if reverted > 0 {
		s.logger.Warn("reverted stuck sources", "count", reverted)
	}

	sources, err := s.store.ListRefreshableSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing refreshable sources: %w", err)
	}

	now := time.Now()
	enqueued := 0
	for _, src := range sources {
		if !eligible(src, now) {
			continue
		}
		_, err := s.queue.Enqueue(ctx, queue.KindIngestSource, queue.IngestPayload{
			SourceID: src.ID,
			TenantID: src.TenantID,
		})
		if err != nil {
			s.logger.Error("enqueuing refresh",
				"source_id", src.ID, "tenant_id", src.TenantID, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("refresh scan complete", "enqueued", enqueued, "candidates", len(sources))
	}
	return enqueued, nil
}

// Run calls Scan every interval until ctx is canceled. Scan errors are
// logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Error("refresh scan", "error", err)
			}
		}
	}
}

// eligible reports whether a source is due for refresh at now. A source
// never refreshed yet qualifies only once its first ingestion has
// completed; after that, its schedule interval applies.
func eligible(src *store.Source, now time.Time) bool {
	interval := src.RefreshSchedule.Interval()
	if interval <= 0 {
		return false
	}
	if src.Status == store.StatusProcessing {
		return false
	}
	if src.LastRefreshedAt == nil {
		return src.Status == store.StatusReady
	}
	return now.Sub(*src.LastRefreshedAt) >= interval
}
