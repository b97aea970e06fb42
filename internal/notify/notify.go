package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ticketq/internal/log"
	"ticketq/internal/store"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher emits waiting-list lifecycle notifications to Kafka. The
// downstream notification service owns rendering and delivery; this
// side only publishes the fact. All methods are best-effort: failures
// are logged and never block a state transition.
type Publisher struct {
	writer *kafka.Writer
	topic  string
	logger *log.Logger
}

func NewPublisher(brokers []string, topic string, logger *log.Logger) *Publisher {
	if len(brokers) == 0 {
		return &Publisher{logger: logger}
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		topic:  topic,
		logger: logger,
	}
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type message struct {
	Kind           string     `json:"kind"`
	EventID        string     `json:"event_id"`
	UserID         string     `json:"user_id"`
	EntryID        int64      `json:"entry_id,omitempty"`
	OfferExpiresAt *time.Time `json:"offer_expires_at,omitempty"`
	At             time.Time  `json:"at"`
}

func (p *Publisher) OfferMade(ctx context.Context, entry store.WaitlistEntry) {
	p.publish(ctx, message{
		Kind:           "offer_made",
		EventID:        entry.EventID,
		UserID:         entry.UserID,
		EntryID:        entry.ID,
		OfferExpiresAt: entry.OfferExpiresAt,
		At:             time.Now().UTC(),
	})
}

func (p *Publisher) OfferExpired(ctx context.Context, entry store.WaitlistEntry) {
	p.publish(ctx, message{
		Kind:    "offer_expired",
		EventID: entry.EventID,
		UserID:  entry.UserID,
		EntryID: entry.ID,
		At:      time.Now().UTC(),
	})
}

func (p *Publisher) ReservationReady(ctx context.Context, eventID, userID string, jobID int64) {
	p.publish(ctx, message{
		Kind:    "reservation_ready",
		EventID: eventID,
		UserID:  userID,
		EntryID: jobID,
		At:      time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, msg message) {
	if p.writer == nil {
		return
	}
	value, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s", msg.EventID, msg.UserID)),
		Value: value,
	})
	if err != nil {
		p.logger.Error("Failed to publish notification", zap.Error(err), zap.String("kind", msg.Kind))
	}
}
