package waitlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"ticketq/internal/clock"
	"ticketq/internal/id"
	"ticketq/internal/log"
	"ticketq/internal/metrics"
	"ticketq/internal/store"

	"go.uber.org/zap"
)

// ErrCapacityExceeded indicates committed tickets alone exceed the
// event's total. That cannot happen through this service's transitions
// and points at a logic bug or external tampering.
var ErrCapacityExceeded = errors.New("committed tickets exceed event capacity")

// Repository is the slice of the datastore the waiting list needs.
// Capacity reads must always hit committed state; nothing here is cached.
type Repository interface {
	GetEvent(ctx context.Context, eventID string) (store.Event, error)
	CreateEntry(ctx context.Context, entry store.WaitlistEntry) (store.WaitlistEntry, error)
	GetEntry(ctx context.Context, entryID int64) (store.WaitlistEntry, error)
	ActiveEntry(ctx context.Context, eventID, userID string) (*store.WaitlistEntry, error)
	CountCommittedTickets(ctx context.Context, eventID string) (int, error)
	CountActiveOfferedTickets(ctx context.Context, eventID string, now time.Time) (int, error)
	OldestWaiting(ctx context.Context, eventID string, limit int) ([]store.WaitlistEntry, error)
	MarkOffered(ctx context.Context, entryID int64, expiresAt, now time.Time) (bool, error)
	ExpireEntry(ctx context.Context, entryID int64, now time.Time) (bool, error)
	ExpireOverdueOffers(ctx context.Context, now time.Time) ([]store.WaitlistEntry, error)
	CountEarlierActive(ctx context.Context, eventID string, createdAt time.Time) (int, error)
	MarkPurchased(ctx context.Context, entryID int64, now time.Time) (bool, error)
}

// Notifier publishes lifecycle notifications, best-effort.
type Notifier interface {
	OfferMade(ctx context.Context, entry store.WaitlistEntry)
	OfferExpired(ctx context.Context, entry store.WaitlistEntry)
}

// NopNotifier is used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) OfferMade(context.Context, store.WaitlistEntry)    {}
func (NopNotifier) OfferExpired(context.Context, store.WaitlistEntry) {}

// Service is the offer lifecycle state machine: capacity accounting,
// FIFO promotion, expiry and queue positions. It holds no cached
// counters; every decision re-reads committed state, so concurrent
// invocations for the same event stay correct without external locking.
type Service struct {
	repo     Repository
	clk      clock.Clock
	node     *id.Node
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *log.Logger

	offerTTL time.Duration

	// In-process deferred expiry timers, keyed by entry ID. These are a
	// latency optimization; the sweep is the durable fallback after a
	// restart.
	timersMu sync.Mutex
	timers   map[int64]*time.Timer
}

func NewService(repo Repository, clk clock.Clock, node *id.Node, notifier Notifier, m *metrics.Metrics, logger *log.Logger, offerTTL time.Duration) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:     repo,
		clk:      clk,
		node:     node,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		offerTTL: offerTTL,
		timers:   make(map[int64]*time.Timer),
	}
}

// JoinQueue creates a WAITING entry for the user unless an active one
// already exists, then runs a promotion pass. Joining twice returns the
// existing entry rather than an error, so retried reservation jobs stay
// idempotent.
func (s *Service) JoinQueue(ctx context.Context, eventID, userID, ticketTypeID string, quantity int) (store.WaitlistEntry, error) {
	if _, err := s.repo.GetEvent(ctx, eventID); err != nil {
		return store.WaitlistEntry{}, err
	}
	if quantity <= 0 {
		quantity = 1
	}

	existing, err := s.repo.ActiveEntry(ctx, eventID, userID)
	if err != nil {
		return store.WaitlistEntry{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := s.clk.Now()
	entry := store.WaitlistEntry{
		ID:           s.node.Generate(),
		EventID:      eventID,
		UserID:       userID,
		Status:       store.EntryWaiting,
		TicketTypeID: ticketTypeID,
		Quantity:     quantity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	entry, err = s.repo.CreateEntry(ctx, entry)
	if errors.Is(err, store.ErrActiveEntryExists) {
		// Lost a race with a duplicate request; return the winner.
		if winner, aerr := s.repo.ActiveEntry(ctx, eventID, userID); aerr == nil && winner != nil {
			return *winner, nil
		}
		return store.WaitlistEntry{}, err
	}
	if err != nil {
		return store.WaitlistEntry{}, err
	}

	if err := s.ProcessQueue(ctx, eventID); err != nil {
		s.logger.Error("Promotion pass after join failed", zap.Error(err), zap.String("event_id", eventID))
	}

	// The entry may have been promoted by the pass above.
	current, err := s.repo.GetEntry(ctx, entry.ID)
	if err != nil {
		return entry, nil
	}
	return current, nil
}

// Release expires a buyer's WAITING or OFFERED entry immediately and
// cascades the freed capacity. Equivalent to a fast-path expiry.
func (s *Service) Release(ctx context.Context, eventID string, entryID int64) error {
	expired, err := s.repo.ExpireEntry(ctx, entryID, s.clk.Now())
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}
	s.cancelTimer(entryID)
	s.metrics.OffersExpired.WithLabelValues("release").Inc()
	return s.ProcessQueue(ctx, eventID)
}

// ConfirmPurchase is the payment collaborator's entry point: converts
// an OFFERED entry to PURCHASED and disarms its expiry timer.
func (s *Service) ConfirmPurchase(ctx context.Context, entryID int64) (bool, error) {
	done, err := s.repo.MarkPurchased(ctx, entryID, s.clk.Now())
	if err != nil {
		return false, err
	}
	if done {
		s.cancelTimer(entryID)
	}
	return done, nil
}

func (s *Service) armTimer(entry store.WaitlistEntry, fireAt time.Time) {
	d := fireAt.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if old, ok := s.timers[entry.ID]; ok {
		old.Stop()
	}
	entryID, eventID := entry.ID, entry.EventID
	s.timers[entryID] = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.ExpireOffer(ctx, entryID, eventID); err != nil {
			s.logger.Error("Scheduled expiry failed", zap.Error(err), zap.Int64("entry_id", entryID))
		}
	})
}

func (s *Service) cancelTimer(entryID int64) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[entryID]; ok {
		t.Stop()
		delete(s.timers, entryID)
	}
}

// Stop cancels all armed expiry timers. Overdue offers are picked up by
// the sweep on the next start.
func (s *Service) Stop() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for entryID, t := range s.timers {
		t.Stop()
		delete(s.timers, entryID)
	}
}
