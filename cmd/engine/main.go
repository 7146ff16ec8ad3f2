// The engine binary wires the full pipeline: providers, consensus,
// regime gating, signal persistence, execution, the deferred queue and
// the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeflux/tradeflux/internal/alerts"
	"github.com/tradeflux/tradeflux/internal/api"
	"github.com/tradeflux/tradeflux/internal/broker"
	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/consensus"
	"github.com/tradeflux/tradeflux/internal/db"
	"github.com/tradeflux/tradeflux/internal/execution"
	"github.com/tradeflux/tradeflux/internal/generator"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/provider"
	"github.com/tradeflux/tradeflux/internal/queue"
	"github.com/tradeflux/tradeflux/internal/regime"
	"github.com/tradeflux/tradeflux/internal/risk"
	"github.com/tradeflux/tradeflux/internal/store"
	"github.com/tradeflux/tradeflux/internal/vault"
)

// shutdownGrace bounds how long outstanding work may run after a stop
// signal.
const shutdownGrace = 10 * time.Second

// chainVerifyInterval paces the periodic hash-chain verification.
const chainVerifyInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Engine failed")
	}
}

// run builds the component graph and blocks until shutdown completes.
func run(ctx context.Context, cfg *config.Config) error {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, caches run in-process only")
		rdb = nil
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, signal publication disabled")
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	signalStore, err := store.NewSignalStore(ctx, pool)
	if err != nil {
		return fmt.Errorf("failed to open signal store: %w", err)
	}

	var publisher *store.Publisher
	if nc != nil {
		publisher = store.NewPublisher(nc, cfg.NATS.SignalSubject, cfg.NATS.TradeSubject)
	}

	alertManager := buildAlerts(cfg)
	pause := risk.NewPauseController()
	gate := risk.NewGate(cfg.Risk, pause)
	sizer := risk.NewSizer(cfg.Risk)

	registry, history := buildProviders(ctx, cfg)
	classes := make(map[string]market.AssetClass, len(cfg.Engine.Symbols))
	for _, s := range cfg.Engine.Symbols {
		classes[s.Ticker] = s.Class
	}

	volCache := risk.NewVolatilityCache(rdb,
		time.Duration(cfg.Risk.VolatilityCacheTTLS)*time.Second,
		func(ctx context.Context, symbol string) (float64, error) {
			source, ok := history[classes[symbol]]
			if !ok {
				return 0, fmt.Errorf("no history source for %s", symbol)
			}
			closes, err := source.CloseHistory(ctx, market.Symbol{Ticker: symbol, Class: classes[symbol]}, 60)
			if err != nil {
				return 0, err
			}
			return regime.RealizedVolatility(closes), nil
		})

	brk, paperBroker, err := buildBroker(ctx, cfg)
	if err != nil {
		return err
	}
	cached := broker.NewCachedBroker(brk,
		time.Duration(cfg.Broker.AccountCacheTTLS)*time.Second,
		time.Duration(cfg.Broker.PositionCacheTTLS)*time.Second)

	signalQueue := queue.NewQueue(pool, cfg.Queue)

	var sink execution.EventSink
	if publisher != nil {
		sink = publisher
	}
	engine := execution.NewEngine(cached, gate, sizer, volCache, signalQueue, sink, signalStore,
		execution.Config{
			OrderDeadline:  time.Duration(cfg.Broker.OrderDeadlineMS) * time.Millisecond,
			MaxRetries:     cfg.Broker.MaxRetryAttempts,
			BaseRetryDelay: time.Duration(cfg.Broker.BaseRetryDelayMS) * time.Millisecond,
			AllowFlip:      cfg.Engine.AllowFlip,
		})

	priceFn := func(ctx context.Context, symbol string) (float64, error) {
		sym := market.Symbol{Ticker: symbol, Class: classes[symbol]}
		primary, _ := registry.ProvidersFor(sym.Class)
		for _, id := range primary {
			sig, err := registry.Fetch(ctx, id, sym)
			if err == nil && sig.HasPrice {
				return sig.IndicativePrice, nil
			}
		}
		return 0, fmt.Errorf("no primary quote for %s", symbol)
	}

	monitor := queue.NewMonitor(cached, pause, cfg.Queue)
	processor := queue.NewProcessor(signalQueue, engine, priceFn, classes, cfg.Queue, monitor.Wake())

	gen := generator.New(
		registry,
		consensus.NewEngine(),
		consensus.NewCache(rdb, time.Duration(cfg.Engine.ConsensusCacheTTLS)*time.Second),
		regime.NewClassifier(cfg.Regime),
		history,
		signalStore,
		publisherOrNil(publisher),
		engine,
		cfg.Engine,
	)

	handlers := api.NewHandlers(registry, pause, gate, cached, signalStore, signalQueue,
		cfg.Engine.Symbols, nc, cfg.NATS.SignalSubject)
	server := api.NewServer(cfg.API, handlers)

	var wg sync.WaitGroup
	runWorker := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug().Str("worker", name).Msg("Worker exited")
		}()
	}

	runWorker("generator", func() { gen.Run(ctx) })
	runWorker("account_monitor", func() { monitor.Run(ctx) })
	runWorker("queue_processor", func() { processor.Run(ctx) })
	runWorker("chain_verifier", func() { verifyChainLoop(ctx, signalStore, pause, alertManager) })
	if paperBroker != nil {
		runWorker("paper_price_sync", func() {
			syncPaperPrices(ctx, paperBroker, priceFn, cfg.Engine.Symbols, cfg.Engine.CycleInterval())
		})
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Control API failed")
		}
	}()

	<-ctx.Done()
	log.Info().Dur("grace", shutdownGrace).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("All workers stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown grace expired with workers still running")
	}
	return nil
}

// buildProviders registers the configured provider adapters and returns
// the registry plus the per-class close-history sources.
func buildProviders(ctx context.Context, cfg *config.Config) (*provider.Registry, map[market.AssetClass]provider.CloseHistorySource) {
	registry := provider.NewRegistry()
	history := make(map[market.AssetClass]provider.CloseHistorySource)

	providerCfg := func(id string) *config.ProviderConfig {
		if pc, ok := cfg.Providers[id]; ok {
			return &pc
		}
		return nil
	}
	enabled := func(id string) bool {
		pc, ok := cfg.Providers[id]
		return ok && pc.Enabled
	}

	if enabled("binance-spot") {
		pc := cfg.Providers["binance-spot"]
		p := provider.NewBinanceProvider("binance-spot", pc.APIKey, pc.SecretKey, cfg.Broker.Testnet)
		registry.Register(p, providerCfg("binance-spot"))
		history[market.AssetClassCrypto] = p
	}
	if enabled("alpaca-quotes") {
		pc := cfg.Providers["alpaca-quotes"]
		p := provider.NewAlpacaProvider("alpaca-quotes", pc.APIKey, pc.SecretKey)
		registry.Register(p, providerCfg("alpaca-quotes"))
		history[market.AssetClassEquity] = p
	}
	if enabled("technical") {
		sources := make(map[market.AssetClass]provider.CloseHistorySource, len(history))
		for class, src := range history {
			sources[class] = src
		}
		registry.Register(provider.NewTechnicalProvider("technical", sources), providerCfg("technical"))
	}
	if enabled("sentiment") {
		pc := cfg.Providers["sentiment"]
		timeout := 10 * time.Second
		if pc.TimeoutMS > 0 {
			timeout = time.Duration(pc.TimeoutMS) * time.Millisecond
		}
		registry.Register(provider.NewSentimentProvider("sentiment", pc.BaseURL, timeout), providerCfg("sentiment"))
	}

	log.Info().
		Int("providers", len(cfg.Providers)).
		Msg("Provider registry built")
	return registry, history
}

// buildBroker constructs the configured broker adapter. The paper broker
// is returned separately so its simulated prices can be fed.
func buildBroker(ctx context.Context, cfg *config.Config) (broker.Broker, *broker.PaperBroker, error) {
	if cfg.Engine.PaperMode || cfg.Broker.Kind == "paper" {
		paper := broker.NewPaperBroker(cfg.Broker.PaperEquity)
		log.Info().Float64("equity", cfg.Broker.PaperEquity).Msg("Paper broker active")
		return paper, paper, nil
	}

	apiKey, secretKey := vault.BrokerCredentials(ctx, cfg)
	switch cfg.Broker.Kind {
	case "binance":
		return broker.NewBinanceBroker(apiKey, secretKey, cfg.Broker.Testnet), nil, nil
	case "alpaca":
		return broker.NewAlpacaBroker(apiKey, secretKey, cfg.Broker.BaseURL), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

// buildAlerts wires the alert manager, with Telegram delivery when
// configured.
func buildAlerts(cfg *config.Config) *alerts.Manager {
	if !cfg.Alerts.Enabled || cfg.Alerts.TelegramToken == "" {
		return alerts.NewManager(nil)
	}
	notifier, err := alerts.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier unavailable, alerts log only")
		return alerts.NewManager(nil)
	}
	return alerts.NewManager(notifier)
}

// verifyChainLoop periodically verifies the hash chain; a mismatch is an
// integrity failure that pauses trading pending operator action.
func verifyChainLoop(ctx context.Context, s *store.SignalStore, pause *risk.PauseController, am *alerts.Manager) {
	ticker := time.NewTicker(chainVerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.VerifyChain(ctx, 0, 0); err != nil {
				log.Error().Err(err).Msg("Hash chain verification failed")
				pause.Pause("CHAIN_BROKEN", time.Time{})
				am.Notify(ctx, alerts.ChainBroken(err))
			}
		}
	}
}

// syncPaperPrices feeds live quotes into the paper broker so simulated
// fills track the market.
func syncPaperPrices(ctx context.Context, paper *broker.PaperBroker, price queue.PriceFunc, symbols []market.Symbol, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				if p, err := price(ctx, sym.Ticker); err == nil && p > 0 {
					paper.SetMarketPrice(sym.Ticker, p)
				}
			}
		}
	}
}

// publisherOrNil avoids handing the generator a typed-nil interface.
func publisherOrNil(p *store.Publisher) generator.SignalPublisher {
	if p == nil {
		return nil
	}
	return p
}
