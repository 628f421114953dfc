// Package notification publishes settlement events for downstream consumers
// (email dispatch, activity feeds). Delivery is fire-and-forget: a publish
// failure is logged and never rolls back a completed settlement.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName is the JetStream stream holding outbound settlement events.
const StreamName = "MARKET_SETTLEMENT_EVENTS"

// Event is one outbound settlement notification.
type Event struct {
	Kind       string    `json:"kind"` // auction_settled, auction_expired
	NftKey     string    `json:"nft_key"`
	BuyerKey   string    `json:"buyer_key,omitempty"`
	SellerKey  string    `json:"seller_key,omitempty"`
	Symbol     string    `json:"symbol"`
	Price      string    `json:"price,omitempty"`
	Commission string    `json:"commission,omitempty"`
	Royalty    string    `json:"royalty,omitempty"`
	BuyerTxn   string    `json:"buyer_txn,omitempty"`
	SellerTxn  string    `json:"seller_txn,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher sends events to NATS JetStream under
// market.settlement.{kind}.{nft_key}.
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log}
}

// Publish sends one event. Errors are returned for the caller's log line but
// must never abort the settlement that produced the event.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("market.settlement.%s.%s", evt.Kind, evt.NftKey)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// EnsureStream creates the outbound stream if missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"market.settlement.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}
