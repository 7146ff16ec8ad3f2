package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/execution"
	"github.com/tradeflux/tradeflux/internal/market"
)

// startNATS runs an embedded NATS server on a random port.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not start")
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublishSignalCanonicalAndVerifiable(t *testing.T) {
	nc := startNATS(t)
	p := NewPublisher(nc, "signals", "trades.events")

	sub, err := nc.SubscribeSync("signals.NVDA")
	require.NoError(t, err)

	sig := storeSignal()
	sig.Seal("prev-hash")
	require.NoError(t, p.PublishSignal(context.Background(), &sig))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	// Subscribers can re-verify the content hash from the wire form.
	var decoded market.Signal
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, sig.SignalID, decoded.SignalID)
	assert.True(t, decoded.VerifySealed())
	assert.Equal(t, "prev-hash", decoded.PrevSignalHash)
}

func TestPublishEvent(t *testing.T) {
	nc := startNATS(t)
	p := NewPublisher(nc, "signals", "trades.events")

	sub, err := nc.SubscribeSync("trades.events")
	require.NoError(t, err)

	event := execution.Event{
		Type:      execution.EventTradeOpened,
		SignalID:  "sig-1",
		Symbol:    "NVDA",
		Qty:       33,
		Price:     450,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, p.PublishEvent(context.Background(), event))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var decoded execution.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, execution.EventTradeOpened, decoded.Type)
	assert.Equal(t, "sig-1", decoded.SignalID)
}
