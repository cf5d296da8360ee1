package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperroute/params"
	"github.com/uhyunpark/hyperroute/pkg/api"
	"github.com/uhyunpark/hyperroute/pkg/app/core/amm"
	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperroute/pkg/app/core/router"
	"github.com/uhyunpark/hyperroute/pkg/app/hybrid"
	"github.com/uhyunpark/hyperroute/pkg/p2p"
	"github.com/uhyunpark/hyperroute/pkg/settlement"
	"github.com/uhyunpark/hyperroute/pkg/storage"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

// Seed prices for the devnet pools, in quote units per base.
var referencePrices = map[string]float64{
	"ETH": 3000,
	"BTC": 60000,
	"SOL": 150,
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	// ---- Markets & liquidity ----
	registry := market.NewMarketRegistry()
	venue := amm.NewVenue(amm.VenueConfig{})
	for _, symbol := range cfg.Node.Markets {
		p := market.DefaultParams
		p.IterationCap = cfg.Router.MaxIterations
		p.MaxChunk = cfg.Router.MaxChunk
		p.AMMTimeout = cfg.Router.AMMTimeout
		m, err := market.NewMarketFromSymbol(symbol, p)
		if err != nil {
			return err
		}
		if err := registry.RegisterMarket(m); err != nil {
			return err
		}
		px, ok := referencePrices[m.BaseAsset]
		if !ok {
			px = 1
		}
		if err := venue.AddPool(amm.PoolConfig{
			Pair:         symbol,
			BaseReserve:  cfg.Node.PoolBaseReserve,
			QuoteReserve: cfg.Node.PoolBaseReserve * px,
			FeeBps:       cfg.Node.PoolFeeBps,
		}); err != nil {
			return err
		}
		log.Infow("market_registered", "symbol", symbol, "pool_price", px, "shard", m.Shard)
	}
	engine := orderbook.NewEngine(registry, time.Now)

	// ---- Settlement writers ----
	store, err := storage.NewPebbleStore(cfg.Settlement.PebblePath)
	if err != nil {
		return err
	}
	defer store.Close()
	store.Logger = log
	writers := []settlement.Writer{store}

	if len(cfg.Settlement.KafkaBrokers) > 0 {
		kw := settlement.NewKafkaWriter(cfg.Settlement.KafkaBrokers, cfg.Settlement.KafkaTopic)
		defer kw.Close()
		writers = append(writers, kw)
		log.Infow("kafka_enabled", "brokers", cfg.Settlement.KafkaBrokers, "topic", cfg.Settlement.KafkaTopic)
	}

	var gossip *p2p.Gossip
	if cfg.Settlement.GossipListen != "" {
		gossip, err = p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.Settlement.GossipListen,
			Bootstrap:  cfg.Settlement.GossipBootstrap,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		writers = append(writers, gossip)
		log.Infow("gossip_enabled", "addrs", gossip.Addrs())
	}

	// ---- Router & admission ----
	// The sink outlives the scheduler so fills from in-flight orders still drain.
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()
	sink := settlement.NewAsync(settlement.DefaultConfig()) // writers attached below
	sink.Logger = log

	rt := router.New(engine, venue, registry, sink, time.Now)
	rt.Logger = log

	appCfg := hybrid.DefaultConfig()
	appCfg.Shards = cfg.Admission.Shards
	appCfg.LaneConcurrency = cfg.Admission.LaneConcurrency
	appCfg.TickInterval = cfg.Admission.TickInterval
	appCfg.MaxAttempts = cfg.Admission.MaxAttempts
	appCfg.Sizer.LatencyCeiling = cfg.Admission.LatencyCeiling
	app, err := hybrid.NewApp(rt, engine, registry, appCfg, util.RealClock{})
	if err != nil {
		return err
	}
	app.Logger = log
	app.Results = store
	if err := app.Metrics.RegisterCounterFunc("settlement_dropped_total",
		"Fills dropped because the settlement queue was full.",
		func() float64 { return float64(sink.Dropped()) }); err != nil {
		return err
	}
	if err := app.Metrics.RegisterCounterFunc("settlement_failed_total",
		"Fills a writer gave up on.",
		func() float64 { return float64(sink.Failed()) }); err != nil {
		return err
	}

	// ---- API Server ----
	apiCfg := api.DefaultConfig()
	apiCfg.AllowedOrigins = cfg.Node.AllowedOrigins
	apiServer := api.NewServer(ctx, apiCfg, app, registry, engine, store, app.Metrics.Registry, log)
	writers = append(writers, apiServer.Hub())
	sink.SetWriters(writers...)

	if gossip != nil {
		// peer fills reach local WebSocket subscribers
		gossip.SetHandler(func(origin string, fills []order.Fill) {
			log.Debugw("peer_fills", "origin", origin, "n", len(fills))
			apiServer.Hub().WriteFills(ctx, fills)
		})
	}

	sinkDone := make(chan error, 1)
	go func() { sinkDone <- sink.Run(sinkCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(gctx) })
	g.Go(func() error { return apiServer.Serve(gctx, cfg.Node.APIAddr) })

	// ---- Order generator (optional) ----
	// Enable with: ENABLE_ORDERGEN=true ORDERGEN_MODE=default|high
	if cfg.Node.OrderGen {
		fcfg := hybrid.DefaultFeederConfig()
		if cfg.Node.OrderGenMode == "high" {
			fcfg = hybrid.HighLoadFeederConfig()
		}
		fcfg.Symbols = cfg.Node.Markets
		spot := func(pair string) (float64, bool) {
			px, err := venue.Spot(pair, order.Buy)
			return px, err == nil
		}
		gen := hybrid.NewOrderGenerator(fcfg, registry, spot)
		log.Infow("ordergen_enabled", "mode", cfg.Node.OrderGenMode, "target_ops", fcfg.OrdersPerSecond)
		g.Go(func() error { return hybrid.RunFeeder(gctx, app, gen, fcfg, log) })
	} else {
		log.Info("ordergen_disabled")
	}

	log.Infow("node_starting",
		"markets", len(cfg.Node.Markets),
		"shards", appCfg.Shards,
		"api_addr", cfg.Node.APIAddr)

	err = g.Wait()
	stopSink()
	if serr := <-sinkDone; err == nil {
		err = serr
	}
	log.Infow("settlement_summary", "written", sink.Written(), "dropped", sink.Dropped(), "failed", sink.Failed())
	return err
}
