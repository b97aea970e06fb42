package waitlist

import (
	"context"
	"time"

	"ticketq/internal/log"
	"ticketq/internal/metrics"

	"go.uber.org/zap"
)

// ExpireOffer is the scheduled expiry path: fired once per armed offer
// at its deadline. If the entry is no longer OFFERED (purchased,
// released, or already swept) this is a no-op. A successful expiry
// cascades the freed capacity to the next waiting entry.
func (s *Service) ExpireOffer(ctx context.Context, entryID int64, eventID string) error {
	expired, err := s.repo.ExpireEntry(ctx, entryID, s.clk.Now())
	if err != nil {
		return err
	}
	s.cancelTimer(entryID)
	if !expired {
		return nil
	}

	if entry, gerr := s.repo.GetEntry(ctx, entryID); gerr == nil {
		s.notifier.OfferExpired(ctx, entry)
	}
	s.metrics.OffersExpired.WithLabelValues("timer").Inc()
	s.logger.Info("Offer expired", zap.Int64("entry_id", entryID), zap.String("event_id", eventID))

	return s.ProcessQueue(ctx, eventID)
}

// CleanupExpiredOffers is the fail-safe sweep: it catches OFFERED
// entries whose deadline passed without the timer firing, typically
// after a restart. Expired entries are grouped by event and the
// scheduler runs once per affected event.
func (s *Service) CleanupExpiredOffers(ctx context.Context) error {
	expired, err := s.repo.ExpireOverdueOffers(ctx, s.clk.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	events := make(map[string]bool)
	for _, entry := range expired {
		s.cancelTimer(entry.ID)
		s.notifier.OfferExpired(ctx, entry)
		s.metrics.OffersExpired.WithLabelValues("sweep").Inc()
		events[entry.EventID] = true
	}
	s.logger.Info("Swept overdue offers", zap.Int("count", len(expired)), zap.Int("events", len(events)))

	for eventID := range events {
		if err := s.ProcessQueue(ctx, eventID); err != nil {
			s.logger.Error("Reschedule after sweep failed", zap.Error(err), zap.String("event_id", eventID))
		}
	}
	return nil
}

// Sweeper runs the cleanup on a fixed interval.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *log.Logger
	metrics  *metrics.Metrics
}

func NewSweeper(service *Service, interval time.Duration, m *metrics.Metrics, logger *log.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sweeper shutting down")
			return
		case <-ticker.C:
			if err := w.service.CleanupExpiredOffers(ctx); err != nil {
				w.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}
