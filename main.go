package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mtf-executor/internal/api"
	"mtf-executor/internal/balance"
	"mtf-executor/internal/confirm"
	"mtf-executor/internal/dedup"
	"mtf-executor/internal/engine"
	"mtf-executor/internal/events"
	"mtf-executor/internal/gateway"
	"mtf-executor/internal/logging"
	"mtf-executor/internal/market"
	"mtf-executor/internal/monitor"
	"mtf-executor/internal/order"
	"mtf-executor/internal/reconciliation"
	"mtf-executor/internal/risk"
	tfsignal "mtf-executor/internal/signal"
	"mtf-executor/internal/state"
	"mtf-executor/pkg/cache"
	"mtf-executor/pkg/config"
	"mtf-executor/pkg/db"
)

const shutdownTimeout = 30 * time.Second

func main() {
	tokenFor := flag.String("token", "", "print a 24h operator token for the given name and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if *tokenFor != "" {
		tok, err := api.IssueToken(*tokenFor, cfg.JWTSecret, 24*time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("executor stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().
		Bool("dry_run", cfg.DryRun).
		Strs("instruments", cfg.Contracts()).
		Str("db", cfg.DBPath).
		Msg("starting mtf-executor")

	if cfg.VaultAddr != "" {
		reader, err := config.NewVaultReader(cfg)
		if err != nil {
			return err
		}
		vctx, vcancel := context.WithTimeout(ctx, 10*time.Second)
		err = cfg.LoadCredentials(vctx, reader)
		vcancel()
		if err != nil {
			return err
		}
		log.Info().Str("path", cfg.VaultPath).Msg("credentials loaded from vault")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	bus := events.NewBus()
	metrics := monitor.NewMetrics(bus.Dropped)
	prices := cache.NewPriceCache()

	built, err := gateway.Build(ctx, cfg, prices, metrics.ObserveExchange, log)
	if err != nil {
		return err
	}
	exchange := built.Exchange

	balances := balance.NewManager(exchange, cfg.BalanceSyncInterval, cfg.BalanceMaxStale, logging.Component(log, "balance"))
	balances.Start(ctx)
	venue := balance.Venue{Exchange: exchange, Balance: balances}

	ledger, err := buildLedger(ctx, cfg, log)
	if err != nil {
		return err
	}

	stateMgr := state.NewManager(database)
	recon := reconciliation.NewService(exchange, stateMgr, reconciliation.Options{
		Database:  database,
		Bus:       bus,
		Drift:     metrics,
		Tolerance: cfg.DriftTolerance,
		Timeout:   cfg.OrderTimeout,
	}, logging.Component(log, "reconciliation"))

	exec := order.NewExecutor(exchange, stateMgr, recon, order.Config{
		Timeout:        cfg.OrderTimeout,
		MaxRetries:     cfg.OrderMaxRetries,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logging.Component(log, "executor"))
	exec.DB = database
	exec.Bus = bus
	exec.Metrics = metrics

	eng := engine.New(engine.Deps{
		Instruments: cfg.Instruments,
		Rules: tfsignal.Rules{
			Instruments:     cfg.Instruments,
			Alerts:          cfg.Alerts,
			SkewBase:        cfg.SkewBase,
			FutureTolerance: cfg.FutureTolerance,
		},
		Confirm:   confirmConfig(cfg),
		Ledger:    ledger,
		Retention: cfg.DedupRetention,
		Calculator: risk.NewVolatilityScaled(risk.Settings{
			BaseStopFactor:      cfg.Risk.BaseStopFactor,
			RewardRisk:          cfg.Risk.RewardRisk,
			StrengthRewardBoost: cfg.Risk.StrengthRewardBoost,
		}),
		Volatility: risk.NewVolatilityEstimator(exchange, cfg.Risk.ATRPeriod, cfg.Risk.ATRInterval,
			cfg.Risk.FallbackVolatilityPct, logging.Component(log, "volatility")),
		Venue:       venue,
		Executor:    exec,
		Reconciler:  recon,
		State:       stateMgr,
		Journal:     database,
		Bus:         bus,
		Prices:      prices,
		Metrics:     metrics,
		CallTimeout: cfg.OrderTimeout,
	}, logging.Component(log, "engine"))

	var grpcHealth *monitor.HealthServer
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		grpcHealth = monitor.NewHealthServer(logging.Component(log, "grpc"))
		go func() {
			if err := grpcHealth.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc health server stopped")
			}
		}()
	}

	// Started before the engine so drift found by the startup reconciliation is reported.
	mon := &monitor.Monitor{
		Bus:     bus,
		Sink:    monitor.LogSink{Log: logging.Component(log, "alerts")},
		Metrics: metrics,
		Log:     log,
	}
	monDone := mon.Start(ctx)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	if grpcHealth != nil {
		grpcHealth.SetServing(true)
	}
	go eng.Run(ctx, cfg.ReconcileInterval, cfg.SweepInterval)

	startFeeds(ctx, cfg, built, prices, log)

	srv := api.NewServer(eng, database, bus, metrics.Handler(), api.Options{
		JWTSecret:         cfg.JWTSecret,
		WebhookPassphrase: cfg.WebhookPassphrase,
		Meta: api.SystemMeta{
			DryRun:      cfg.DryRun,
			Venue:       built.Venue,
			Instruments: cfg.Contracts(),
			Version:     buildVersion(),
		},
	}, logging.Component(log, "http"))

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(":" + cfg.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	if grpcHealth != nil {
		grpcHealth.SetServing(false)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Close intake and drain in-flight pipelines before the listener goes away,
	// so late webhooks get a 503 rather than a connection reset.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final reconciliation incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	cancel()
	<-monDone
	log.Info().Msg("shutdown complete")
	return nil
}

// startFeeds keeps reference prices moving between signals. Dry runs random-walk the
// simulated venue so its stop and target triggers can fire.
func startFeeds(ctx context.Context, cfg *config.Config, built gateway.Built, prices *cache.PriceCache, log zerolog.Logger) {
	if built.Paper != nil {
		if !cfg.UseMockFeed {
			return
		}
		mock := &market.MockFeed{
			Prices:    prices,
			Apply:     built.Paper.SetPrice,
			Contracts: cfg.Contracts(),
			StepBps:   cfg.MockStepBps,
			Interval:  time.Second,
			Log:       logging.Component(log, "mock_feed"),
		}
		mock.Start(ctx)
		return
	}
	feed := &market.Feed{
		Market:    built.Exchange,
		Prices:    prices,
		Contracts: cfg.Contracts(),
		Interval:  cfg.PriceFeedInterval,
		Timeout:   cfg.OrderTimeout,
		Log:       logging.Component(log, "market_feed"),
	}
	feed.Start(ctx)
}

func buildLedger(ctx context.Context, cfg *config.Config, log zerolog.Logger) (dedup.Ledger, error) {
	if cfg.RedisAddr == "" {
		return dedup.NewMemoryLedger(cfg.DedupRetention), nil
	}
	client := dedup.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("dedup ledger backed by redis")
	return dedup.NewRedisLedger(client, cfg.DedupRetention, "mtf:dedup"), nil
}

func confirmConfig(cfg *config.Config) confirm.Config {
	out := confirm.DefaultConfig()
	for raw, d := range cfg.Staleness {
		if tf, ok := tfsignal.ParseTimeframe(raw); ok && d > 0 {
			out.Staleness[tf] = d
		}
	}
	for raw, w := range cfg.TimeframeWeights {
		if tf, ok := tfsignal.ParseTimeframe(raw); ok && w > 0 {
			out.Weights[tf] = w
		}
	}
	return out
}

func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
