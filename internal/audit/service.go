package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mrlokans/circulation/internal/database/audit"
	"github.com/mrlokans/circulation/internal/entities"
)

const (
	DefaultStatsDays    = 30
	DefaultOverviewDays = 7
	DefaultRetention    = 365
)

// Service provides read access and retention for the audit log.
type Service struct {
	repo   *audit.Repository
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new audit service.
func NewService(repo *audit.Repository) *Service {
	return &Service{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With(slog.String("component", "audit")),
	}
}

// WithClock returns a copy of the service that reads time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	return &c
}

// Query retrieves paginated entries matching filter, most recent first.
func (s *Service) Query(ctx context.Context, filter audit.Filter, limit, offset int) ([]entities.AuditLog, int64, error) {
	return s.repo.Query(ctx, filter, limit, offset)
}

// ActivityStats summarizes a user's activity over the last days days.
func (s *Service) ActivityStats(ctx context.Context, userID uint, days int) (*audit.ActivityStats, error) {
	if days <= 0 {
		days = DefaultStatsDays
	}
	return s.repo.ActivityStats(ctx, userID, s.since(days))
}

// SystemOverview summarizes all activity over the last days days.
func (s *Service) SystemOverview(ctx context.Context, days int) (*audit.Overview, error) {
	if days <= 0 {
		days = DefaultOverviewDays
	}
	return s.repo.SystemOverview(ctx, s.since(days))
}

// CleanupOldLogs removes entries older than retentionDays days.
func (s *Service) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetention
	}
	n, err := s.repo.DeleteOlderThan(ctx, s.since(retentionDays))
	if err != nil {
		s.logger.ErrorContext(ctx, "audit cleanup failed", slog.Int("retention_days", retentionDays), slog.Any("error", err))
		return 0, err
	}
	s.logger.InfoContext(ctx, "cleaned up audit log", slog.Int("retention_days", retentionDays), slog.Int64("deleted", n))
	return n, nil
}

func (s *Service) since(days int) time.Time {
	return s.now().AddDate(0, 0, -days)
}
