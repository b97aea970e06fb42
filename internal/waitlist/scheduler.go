package waitlist

import (
	"context"

	"ticketq/internal/store"

	"go.uber.org/zap"
)

// ProcessQueue promotes the oldest WAITING entries of an event into
// time-boxed offers, up to the available capacity. Safe to call
// repeatedly and concurrently for the same event: capacity is re-read
// from committed state on every call, and each promotion is a
// conditional update that a racing invocation simply loses.
//
// Capacity is counted in ticket units while FIFO order is per entry: an
// entry consumes Quantity tickets and one queue position. If the head
// entry does not fit in the remaining units, promotion stops there:
// the scheduler never skips ahead past a blocked head, preserving
// strict arrival order.
func (s *Service) ProcessQueue(ctx context.Context, eventID string) error {
	avail, err := s.AvailableSlots(ctx, eventID)
	if err != nil {
		return err
	}
	if !avail.Unbounded && avail.Slots <= 0 {
		return nil
	}

	// Quantity >= 1, so at most Slots entries can fit.
	limit := avail.Slots
	if avail.Unbounded {
		limit = 0
	}
	waiting, err := s.repo.OldestWaiting(ctx, eventID, limit)
	if err != nil {
		return err
	}

	now := s.clk.Now()
	expiresAt := now.Add(s.offerTTL)
	remaining := avail.Slots

	for _, entry := range waiting {
		if !avail.Unbounded {
			if entry.Quantity > remaining {
				break
			}
		}

		promoted, err := s.repo.MarkOffered(ctx, entry.ID, expiresAt, now)
		if err != nil {
			return err
		}
		if !promoted {
			// A concurrent pass or a release got there first.
			continue
		}
		if !avail.Unbounded {
			remaining -= entry.Quantity
		}

		entry.Status = store.EntryOffered
		deadline := expiresAt
		entry.OfferExpiresAt = &deadline

		s.armTimer(entry, expiresAt)
		s.notifier.OfferMade(ctx, entry)
		s.metrics.OffersPromoted.WithLabelValues(eventID).Inc()
		s.logger.Info("Promoted entry to offer",
			zap.Int64("entry_id", entry.ID),
			zap.String("event_id", eventID),
			zap.String("user_id", entry.UserID),
			zap.Time("offer_expires_at", expiresAt))
	}

	return nil
}
