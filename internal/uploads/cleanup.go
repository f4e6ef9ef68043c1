package uploads

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/events"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metrics"
)

const defaultCleanupInterval = 15 * time.Minute

// StartCleanup starts the background goroutine that reaps expired sessions.
func (s *Service) StartCleanup(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupExpired(ctx)
			}
		}
	}()
}

// CleanupExpired removes the parts, receipts and rows of open sessions past
// their expiry. It returns the number of sessions reaped.
func (s *Service) CleanupExpired(ctx context.Context) int {
	expired, err := s.sessions.Expired(ctx)
	if err != nil {
		logging.Warn("upload cleanup query failed", zap.Error(err))
		return 0
	}

	reaped := 0
	for _, sess := range expired {
		unlock, err := s.locks.Acquire(ctx, namespace(sess.ID)+sess.FileName)
		if err != nil {
			return reaped
		}
		err = s.purge(ctx, sess)
		unlock()
		if err != nil {
			logging.Warn("failed to clean up expired upload", zap.String("upload_id", sess.ID), zap.Error(err))
			continue
		}
		reaped++
		logging.Info("cleaned up expired upload", zap.String("upload_id", sess.ID), zap.String("file_name", sess.FileName))
		s.publish(events.Event{Type: events.EventExpired, OwnerID: sess.OwnerID, UploadID: sess.ID, FileName: sess.FileName})
	}
	metrics.RecordExpiredUploads(reaped)
	return reaped
}
