package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticketq/internal/log"

	"github.com/lib/pq"
)

// Store is the SQL-backed datastore for events, tickets and waiting
// list entries. Promotion and expiry run as conditional updates so that
// concurrent scheduler invocations for the same event never double-count
// a row: whoever loses the race simply affects zero rows.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStore(databaseURL string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			total_tickets INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events(id),
			user_id TEXT NOT NULL,
			ticket_type_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS waitlist_entries (
			id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events(id),
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			offer_expires_at TIMESTAMPTZ,
			ticket_type_id TEXT NOT NULL DEFAULT '',
			quantity INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS waitlist_one_active_entry
			ON waitlist_entries (event_id, user_id)
			WHERE status IN ('WAITING', 'OFFERED')`,
		`CREATE INDEX IF NOT EXISTS waitlist_fifo
			ON waitlist_entries (event_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS waitlist_overdue
			ON waitlist_entries (offer_expires_at)
			WHERE status = 'OFFERED'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, name, total_tickets)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, total_tickets = EXCLUDED.total_tickets
	`, ev.ID, ev.Name, ev.TotalTickets)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var ev Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, total_tickets, created_at FROM events WHERE id = $1
	`, eventID).Scan(&ev.ID, &ev.Name, &ev.TotalTickets, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// CreateEntry inserts a new WAITING entry. The partial unique index
// rejects a second non-terminal entry for the same (event, user) pair.
func (s *Store) CreateEntry(ctx context.Context, entry WaitlistEntry) (WaitlistEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist_entries (id, event_id, user_id, status, offer_expires_at, ticket_type_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.EventID, entry.UserID, entry.Status, entry.OfferExpiresAt,
		entry.TicketTypeID, entry.Quantity, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return WaitlistEntry{}, ErrActiveEntryExists
		}
		return WaitlistEntry{}, fmt.Errorf("create entry: %w", err)
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID int64) (WaitlistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, user_id, status, offer_expires_at, ticket_type_id, quantity, created_at, updated_at
		FROM waitlist_entries WHERE id = $1
	`, entryID)
	return scanEntry(row)
}

// ActiveEntry returns the user's WAITING or OFFERED entry for the
// event, or nil when none exists.
func (s *Store) ActiveEntry(ctx context.Context, eventID, userID string) (*WaitlistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, user_id, status, offer_expires_at, ticket_type_id, quantity, created_at, updated_at
		FROM waitlist_entries
		WHERE event_id = $1 AND user_id = $2 AND status IN ('WAITING', 'OFFERED')
	`, eventID, userID)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CountCommittedTickets counts tickets in ticket units. Zero matches is
// a valid result, never an error.
func (s *Store) CountCommittedTickets(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets WHERE event_id = $1 AND status IN ('VALID', 'USED')
	`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count committed tickets: %w", err)
	}
	return n, nil
}

// CountActiveOfferedTickets sums the quantities of unexpired offers, in
// ticket units.
func (s *Store) CountActiveOfferedTickets(ctx context.Context, eventID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM waitlist_entries
		WHERE event_id = $1 AND status = 'OFFERED' AND offer_expires_at > $2
	`, eventID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active offers: %w", err)
	}
	return n, nil
}

// OldestWaiting returns WAITING entries in FIFO order. limit <= 0 means
// no limit (unbounded events).
func (s *Store) OldestWaiting(ctx context.Context, eventID string, limit int) ([]WaitlistEntry, error) {
	query := `
		SELECT id, event_id, user_id, status, offer_expires_at, ticket_type_id, quantity, created_at, updated_at
		FROM waitlist_entries
		WHERE event_id = $1 AND status = 'WAITING'
		ORDER BY created_at, id`
	args := []any{eventID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("oldest waiting: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkOffered transitions WAITING -> OFFERED and stamps the offer
// deadline. Returns false when another scheduler invocation got the row
// first; ticket type and quantity are left untouched.
func (s *Store) MarkOffered(ctx context.Context, entryID int64, expiresAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waitlist_entries
		SET status = 'OFFERED', offer_expires_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'WAITING'
	`, expiresAt, now, entryID)
	if err != nil {
		return false, fmt.Errorf("mark offered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireEntry transitions a WAITING or OFFERED entry to EXPIRED.
// Expiring an already-terminal entry affects zero rows and is not an
// error.
func (s *Store) ExpireEntry(ctx context.Context, entryID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waitlist_entries
		SET status = 'EXPIRED', offer_expires_at = NULL, updated_at = $1
		WHERE id = $2 AND status IN ('WAITING', 'OFFERED')
	`, now, entryID)
	if err != nil {
		return false, fmt.Errorf("expire entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireOverdueOffers bulk-expires every OFFERED entry whose deadline
// has passed and returns the expired entries, for per-event
// rescheduling by the sweep.
func (s *Store) ExpireOverdueOffers(ctx context.Context, now time.Time) ([]WaitlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE waitlist_entries
		SET status = 'EXPIRED', offer_expires_at = NULL, updated_at = $1
		WHERE status = 'OFFERED' AND offer_expires_at < $1
		RETURNING id, event_id, user_id, status, offer_expires_at, ticket_type_id, quantity, created_at, updated_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire overdue offers: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountEarlierActive counts WAITING/OFFERED entries created strictly
// before the given instant, the same ordering the scheduler promotes by.
func (s *Store) CountEarlierActive(ctx context.Context, eventID string, createdAt time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM waitlist_entries
		WHERE event_id = $1 AND status IN ('WAITING', 'OFFERED') AND created_at < $2
	`, eventID, createdAt).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count earlier entries: %w", err)
	}
	return n, nil
}

// MarkPurchased converts an OFFERED entry into tickets. This is the
// payment collaborator's commit point: the entry goes terminal and one
// VALID ticket row is written per unit of quantity, in one transaction.
func (s *Store) MarkPurchased(ctx context.Context, entryID int64, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var entry WaitlistEntry
	row := tx.QueryRowContext(ctx, `
		UPDATE waitlist_entries
		SET status = 'PURCHASED', offer_expires_at = NULL, updated_at = $1
		WHERE id = $2 AND status = 'OFFERED'
		RETURNING id, event_id, user_id, status, offer_expires_at, ticket_type_id, quantity, created_at, updated_at
	`, now, entryID)
	entry, err = scanEntry(row)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark purchased: %w", err)
	}

	for i := 0; i < entry.Quantity; i++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (event_id, user_id, ticket_type_id, status)
			VALUES ($1, $2, $3, 'VALID')
		`, entry.EventID, entry.UserID, entry.TicketTypeID); err != nil {
			return false, fmt.Errorf("insert ticket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// CreateTicket records an externally issued ticket. Used by tests and
// by the admin import path.
func (s *Store) CreateTicket(ctx context.Context, t Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (event_id, user_id, ticket_type_id, status)
		VALUES ($1, $2, $3, $4)
	`, t.EventID, t.UserID, t.TicketTypeID, t.Status)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (WaitlistEntry, error) {
	var entry WaitlistEntry
	err := row.Scan(&entry.ID, &entry.EventID, &entry.UserID, &entry.Status, &entry.OfferExpiresAt,
		&entry.TicketTypeID, &entry.Quantity, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WaitlistEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return WaitlistEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	return entry, nil
}

func scanEntries(rows *sql.Rows) ([]WaitlistEntry, error) {
	var entries []WaitlistEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
