package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic   = "order-events"
	DefaultGroupID = "foodee-cart"

	EventOrderCreated = "order_created"

	retryDelay = 500 * time.Millisecond
)

// Resetter empties the local carts of a user whose backend cart is gone.
type Resetter interface {
	ResetUser(userID string) int
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type orderEvent struct {
	UserID  domain.ExternalID `json:"user_id"`
	OrderID domain.ExternalID `json:"order_id"`
}

// Poller consumes order events. The backend empties a user's cart when an
// order is created, so every open session of that user is reset.
type Poller struct {
	carts  Resetter
	reader MessageReader
	log    zerolog.Logger
}

func NewPoller(carts Resetter, logger zerolog.Logger, cfg Config) *Poller {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return NewPollerWithReader(carts, reader, logger)
}

func NewPollerWithReader(carts Resetter, reader MessageReader, logger zerolog.Logger) *Poller {
	return &Poller{
		carts:  carts,
		reader: reader,
		log:    logger.With().Str("component", "poller").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.next(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Msg("error reading message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Error().Err(err).Msg("error closing reader")
	}
}

func (p *Poller) next(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		return err
	}
	p.handle(m)
	return nil
}

func (p *Poller) handle(m kafka.Message) {
	if eventType := header(m, "event_type"); eventType != "" && eventType != EventOrderCreated {
		p.log.Debug().Str("event_type", eventType).Msg("skipping event")
		return
	}

	var event orderEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		p.log.Error().Err(err).Int64("offset", m.Offset).Msg("error parsing message")
		return
	}
	userID := event.UserID.String()
	if userID == "" {
		p.log.Warn().Err(errors.New("missing user_id")).Int64("offset", m.Offset).Msg("invalid order event")
		return
	}

	n := p.carts.ResetUser(userID)
	p.log.Info().Str("user_id", userID).Str("order_id", event.OrderID.String()).Int("sessions", n).Msg("order created, cart reset")
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
