package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/perimetra/perimetra/internal/monitoring"
)

// CleanupOldDeliveries deletes delivery records older than the retention
// window, regardless of status. Pure housekeeping; live delivery state is
// untouched.
func (s *Service) CleanupOldDeliveries(ctx context.Context, retentionDays int) (int64, error) {
	deleted, err := s.repo.DeleteDeliveriesOlderThan(ctx, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired deliveries: %w", err)
	}

	if deleted > 0 {
		monitoring.Get().WebhookDeliveriesCleaned.Add(float64(deleted))
		s.log.Info().
			Int64("deleted", deleted).
			Int("retention_days", retentionDays).
			Msg("Expired webhook deliveries removed")
	}
	return deleted, nil
}
