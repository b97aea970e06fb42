package waitlist

import (
	"context"

	"ticketq/internal/store"
)

// QueuePosition reports where a user stands in an event's queue.
// Position counts the same ordering ProcessQueue promotes by, so
// position 1 is always the next entry to receive an offer.
type QueuePosition struct {
	Entry    store.WaitlistEntry `json:"entry"`
	Position int                 `json:"position"`
}

// Position returns the user's active entry and rank, or nil when the
// user has no WAITING or OFFERED entry for the event.
func (s *Service) Position(ctx context.Context, eventID, userID string) (*QueuePosition, error) {
	entry, err := s.repo.ActiveEntry(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	ahead, err := s.repo.CountEarlierActive(ctx, eventID, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &QueuePosition{Entry: *entry, Position: ahead + 1}, nil
}
