package waitlist

import (
	"context"

	"go.uber.org/zap"
)

// Availability is the result of a capacity computation, in ticket
// units. When Unbounded is true, Slots is meaningless.
type Availability struct {
	Slots     int  `json:"slots"`
	Unbounded bool `json:"unbounded"`
}

// AvailableSlots recomputes remaining sellable capacity for an event
// from committed state at the instant of the call:
//
//	total - (tickets VALID or USED + quantities of unexpired offers)
//
// This read gates correctness and is never cached; a stale value here
// risks overselling. Zero matches on the aggregate reads is a valid
// count, not an error; only a missing event fails.
func (s *Service) AvailableSlots(ctx context.Context, eventID string) (Availability, error) {
	event, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return Availability{}, err
	}
	if event.Unlimited() {
		return Availability{Unbounded: true}, nil
	}

	committed, err := s.repo.CountCommittedTickets(ctx, eventID)
	if err != nil {
		return Availability{}, err
	}
	if committed > event.TotalTickets {
		s.logger.Error("Committed tickets exceed capacity",
			zap.String("event_id", eventID),
			zap.Int("committed", committed),
			zap.Int("total", event.TotalTickets))
		return Availability{}, ErrCapacityExceeded
	}

	active, err := s.repo.CountActiveOfferedTickets(ctx, eventID, s.clk.Now())
	if err != nil {
		return Availability{}, err
	}

	return Availability{Slots: event.TotalTickets - committed - active}, nil
}
