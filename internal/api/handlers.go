package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/provider"
	"github.com/tradeflux/tradeflux/internal/risk"
)

// QueueDepther reports the pending queue depth; *queue.Queue implements
// it.
type QueueDepther interface {
	Depth(ctx context.Context) (int, error)
}

// SignalReader lists recent persisted signals; *store.SignalStore
// implements it.
type SignalReader interface {
	ListRecent(ctx context.Context, n int) ([]market.Signal, error)
}

// AccountReader supplies the account snapshot for drawdown reporting;
// the broker (or its caching decorator) implements it.
type AccountReader interface {
	GetAccount(ctx context.Context) (market.Account, error)
}

// apiError is the structured error body: a stable code from the error
// taxonomy plus a human-readable message. No stack traces in responses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handlers serves the control endpoints from read-only views of the
// running components.
type Handlers struct {
	registry *provider.Registry
	pause    *risk.PauseController
	gate     *risk.Gate
	account  AccountReader
	signals  SignalReader
	queue    QueueDepther
	symbols  []market.Symbol
	nc       *nats.Conn
	subject  string
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandlers wires the endpoint dependencies. nc may be nil, which
// disables the websocket stream; queue and signals may be nil in paper
// setups without a database.
func NewHandlers(
	registry *provider.Registry,
	pause *risk.PauseController,
	gate *risk.Gate,
	account AccountReader,
	signals SignalReader,
	queue QueueDepther,
	symbols []market.Symbol,
	nc *nats.Conn,
	signalSubject string,
) *Handlers {
	return &Handlers{
		registry: registry,
		pause:    pause,
		gate:     gate,
		account:  account,
		signals:  signals,
		queue:    queue,
		symbols:  symbols,
		nc:       nc,
		subject:  signalSubject,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: config.NewLogger("api_handlers"),
	}
}

// healthResponse is the aggregated health payload.
type healthResponse struct {
	Status     string                               `json:"status"`
	Paused     bool                                 `json:"paused"`
	PauseCause string                               `json:"pause_cause,omitempty"`
	Providers  map[string]providerHealth            `json:"providers"`
	QueueDepth int                                  `json:"queue_depth"`
	Drawdown   float64                              `json:"drawdown"`
	PeakEquity float64                              `json:"peak_equity"`
}

type providerHealth struct {
	Status       market.HealthStatus `json:"status"`
	SuccessRate  float64             `json:"success_rate"`
	AvgLatencyMS int64               `json:"avg_latency_ms"`
	Breaker      string              `json:"breaker"`
}

// Health returns the aggregated system health.
func (h *Handlers) Health(c *gin.Context) {
	resp := healthResponse{Status: "ok", Providers: make(map[string]providerHealth)}

	paused, cause := h.pause.Paused()
	resp.Paused = paused
	resp.PauseCause = cause
	if paused {
		resp.Status = "paused"
	}

	unhealthy := 0
	for id, snap := range h.registry.HealthSnapshots() {
		resp.Providers[id] = providerHealth{
			Status:       snap.Status,
			SuccessRate:  snap.SuccessRate,
			AvgLatencyMS: snap.AvgLatencyMS,
			Breaker:      h.registry.BreakerState(id),
		}
		if snap.Status == market.HealthUnhealthy {
			unhealthy++
		}
	}
	if unhealthy > 0 && resp.Status == "ok" {
		resp.Status = "degraded"
	}

	if h.queue != nil {
		if depth, err := h.queue.Depth(c.Request.Context()); err == nil {
			resp.QueueDepth = depth
		}
	}

	if h.gate != nil {
		resp.PeakEquity = h.gate.PeakEquity()
		if h.account != nil && resp.PeakEquity > 0 {
			if acct, err := h.account.GetAccount(c.Request.Context()); err == nil {
				resp.Drawdown = (resp.PeakEquity - acct.Equity) / resp.PeakEquity
				if resp.Drawdown < 0 {
					resp.Drawdown = 0
				}
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Pause trips the global trading pause. Idempotent.
func (h *Handlers) Pause(c *gin.Context) {
	h.pause.Pause("operator request", time.Time{})
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Resume clears the global trading pause. Idempotent.
func (h *Handlers) Resume(c *gin.Context) {
	h.pause.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// CryptoStatus confirms 24/7 crypto eligibility and lists the enabled
// crypto-capable providers and symbols.
func (h *Handlers) CryptoStatus(c *gin.Context) {
	var cryptoSymbols []string
	for _, s := range h.symbols {
		if s.Class == market.AssetClassCrypto {
			cryptoSymbols = append(cryptoSymbols, s.Ticker)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"always_open": true,
		"providers":   h.registry.CryptoCapable(),
		"symbols":     cryptoSymbols,
	})
}

// RecentSignals returns the n most recent persisted signals.
func (h *Handlers) RecentSignals(c *gin.Context) {
	if h.signals == nil {
		c.JSON(http.StatusServiceUnavailable, apiError{Code: "STORE_UNAVAILABLE", Message: "signal store not configured"})
		return
	}

	n := 20
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, apiError{Code: "MALFORMED_CONFIG", Message: "n must be an integer in [1, 500]"})
			return
		}
		n = parsed
	}

	signals, err := h.signals.ListRecent(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apiError{Code: "STORE_READ_FAILED", Message: "failed to list signals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

// StreamSignals upgrades to a websocket and forwards every published
// signal until the client disconnects.
func (h *Handlers) StreamSignals(c *gin.Context) {
	if h.nc == nil {
		c.JSON(http.StatusServiceUnavailable, apiError{Code: "STREAM_UNAVAILABLE", Message: "signal stream not configured"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	msgs := make(chan []byte, 64)
	sub, err := h.nc.Subscribe(h.subject+".>", func(m *nats.Msg) {
		select {
		case msgs <- m.Data:
		default:
			// Slow consumer: drop rather than block the NATS callback.
		}
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Signal stream subscription failed")
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine detects client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case data := <-msgs:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
