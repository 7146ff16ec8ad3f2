package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/execution"
	"github.com/tradeflux/tradeflux/internal/market"
)

// Publisher emits persisted signals and execution events over NATS.
// Signals go out in canonical JSON so subscribers can verify the content
// hash bit-exactly.
type Publisher struct {
	nc            *nats.Conn
	signalSubject string
	tradeSubject  string
	log           zerolog.Logger
}

// NewPublisher creates a NATS publisher.
func NewPublisher(nc *nats.Conn, signalSubject, tradeSubject string) *Publisher {
	return &Publisher{
		nc:            nc,
		signalSubject: signalSubject,
		tradeSubject:  tradeSubject,
		log:           config.NewLogger("publisher"),
	}
}

// PublishSignal emits a persisted signal on <signalSubject>.<SYMBOL>.
func (p *Publisher) PublishSignal(_ context.Context, sig *market.Signal) error {
	subject := fmt.Sprintf("%s.%s", p.signalSubject, sig.Symbol)
	if err := p.nc.Publish(subject, sig.CanonicalJSON()); err != nil {
		return fmt.Errorf("failed to publish signal %s: %w", sig.SignalID, err)
	}
	p.log.Debug().
		Str("subject", subject).
		Str("signal_id", sig.SignalID).
		Msg("Signal published")
	return nil
}

// PublishEvent emits an execution lifecycle event on the trade subject.
func (p *Publisher) PublishEvent(_ context.Context, event execution.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(p.tradeSubject, raw); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}
