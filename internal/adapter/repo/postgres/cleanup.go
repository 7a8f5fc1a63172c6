package postgres

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
)

// CleanupService deletes terminal jobs older than the retention window.
// Non-terminal jobs are never touched here; the stuck-job sweeper owns those.
type CleanupService struct {
	pool          PgxPool
	retentionDays int
}

// NewCleanupService constructs a CleanupService; retentionDays <= 0 disables it.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		return nil
	}
	return &CleanupService{pool: pool, retentionDays: retentionDays}
}

// RunPeriodic runs cleanup immediately and then on every tick until ctx ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if s == nil {
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.cleanupOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *CleanupService) cleanupOnce(ctx context.Context) {
	tracer := otel.Tracer("repo.cleanup")
	ctx, span := tracer.Start(ctx, "cleanup.jobs")
	defer span.End()
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		slog.Error("job cleanup failed", slog.Any("error", err))
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("expired jobs removed", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
}
