package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"motochat/pkg/domain"
	"motochat/pkg/storage"
	"motochat/services/messaging/internal/metrics"
)

// Purger hard-deletes soft-deleted messages older than a cutoff, returning
// the removed rows.
type Purger interface {
	PurgeDeletedMessages(ctx context.Context, before time.Time, limit int) ([]domain.Message, error)
}

type Config struct {
	Store     Purger
	Objects   storage.ObjectStore
	Metrics   *metrics.Metrics
	Cron      string
	Window    time.Duration
	BatchSize int
	Now       func() time.Time
}

// Sweeper removes soft-deleted messages once they fall out of the retention
// window, on a cron schedule.
type Sweeper struct {
	store     Purger
	objects   storage.ObjectStore
	metrics   *metrics.Metrics
	cron      string
	window    time.Duration
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("retention: store is required")
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("retention: invalid cron %q", cfg.Cron)
	}
	if cfg.Window <= 0 {
		return nil, errors.New("retention: window must be positive")
	}
	s := &Sweeper{
		store:     cfg.Store,
		objects:   cfg.Objects,
		metrics:   cfg.Metrics,
		cron:      cfg.Cron,
		window:    cfg.Window,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
	}
	if s.batchSize <= 0 {
		s.batchSize = 500
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Run waits for each cron tick and sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("retention_enabled", "cron", s.cron, "window", s.window.String())
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			slog.Error("retention_nexttick_failed", "cron", s.cron, "err", err)
			if !sleep(ctx, 30*time.Second) {
				return nil
			}
			continue
		}
		if !sleep(ctx, time.Until(next)) {
			return nil
		}
		s.runJob(ctx)
	}
}

// runJob skips the tick if the previous sweep is still in progress.
func (s *Sweeper) runJob(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Warn("retention_run_skipped", "reason", "previous run still in progress")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		slog.Error("retention_run_error", "err", err)
	}
}

// RunOnce purges every message soft-deleted before now minus the window, in
// batches, and deletes their attachment objects. It returns how many messages
// were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	runID := uuid.NewString()
	cutoff := s.now().Add(-s.window)
	logger := slog.With("run_id", runID)
	logger.Info("retention_run_start", "cutoff", cutoff)

	purged := 0
	for {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		batch, err := s.store.PurgeDeletedMessages(ctx, cutoff, s.batchSize)
		if err != nil {
			return purged, fmt.Errorf("purge deleted messages: %w", err)
		}
		purged += len(batch)
		s.metrics.RetentionPurged(len(batch))
		s.deleteObjects(ctx, logger, batch)
		if len(batch) < s.batchSize {
			break
		}
	}
	logger.Info("retention_run_completed", "purged", purged)
	return purged, nil
}

func (s *Sweeper) deleteObjects(ctx context.Context, logger *slog.Logger, msgs []domain.Message) {
	if s.objects == nil {
		return
	}
	for _, msg := range msgs {
		if msg.Attachment == nil || msg.Attachment.Key == "" {
			continue
		}
		if err := s.objects.Delete(ctx, msg.Attachment.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("retention_object_delete_failed", "message_id", msg.ID, "key", msg.Attachment.Key, "err", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
