package store

import (
	"errors"
	"time"
)

var (
	ErrEventNotFound     = errors.New("event not found")
	ErrEntryNotFound     = errors.New("waiting list entry not found")
	ErrActiveEntryExists = errors.New("user already has an active entry for this event")
)

type EntryStatus string

const (
	EntryWaiting   EntryStatus = "WAITING"
	EntryOffered   EntryStatus = "OFFERED"
	EntryExpired   EntryStatus = "EXPIRED"
	EntryPurchased EntryStatus = "PURCHASED"
)

type TicketStatus string

const (
	TicketValid     TicketStatus = "VALID"
	TicketUsed      TicketStatus = "USED"
	TicketRefunded  TicketStatus = "REFUNDED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// UnlimitedTickets marks an event with no capacity bound.
const UnlimitedTickets = -1

type Event struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TotalTickets int       `json:"total_tickets"`
	CreatedAt    time.Time `json:"created_at"`
}

// Unlimited reports whether the event has no capacity bound.
func (e Event) Unlimited() bool {
	return e.TotalTickets == UnlimitedTickets
}

// WaitlistEntry is a buyer's place in an event's waiting list. Entries
// are never deleted; terminal entries (EXPIRED, PURCHASED) are kept for
// audit and position history. At most one non-terminal entry exists per
// (event, user) pair, enforced by a partial unique index.
type WaitlistEntry struct {
	ID             int64       `json:"id"`
	EventID        string      `json:"event_id"`
	UserID         string      `json:"user_id"`
	Status         EntryStatus `json:"status"`
	OfferExpiresAt *time.Time  `json:"offer_expires_at,omitempty"`
	TicketTypeID   string      `json:"ticket_type_id,omitempty"`
	Quantity       int         `json:"quantity"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Active reports whether the entry still occupies a queue position.
func (e WaitlistEntry) Active() bool {
	return e.Status == EntryWaiting || e.Status == EntryOffered
}

type Ticket struct {
	ID           int64        `json:"id"`
	EventID      string       `json:"event_id"`
	UserID       string       `json:"user_id"`
	TicketTypeID string       `json:"ticket_type_id,omitempty"`
	Status       TicketStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}
