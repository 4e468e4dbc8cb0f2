// 文件: cmd/riskengine/run.go
// run 子命令: 生产模式
//
// 【数据流】
//   NATS perprisk.price.*  -> Engine.Submit -> 每 symbol 流水线
//   NATS/Kafka 成交事件    -> position.Service.HandleTradeMessage
//   审计记录               -> MySQL + NATS + Kafka (链上结算)

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"max.com/perprisk/pkg/adl"
	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/kafka"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/nats"
	"max.com/perprisk/pkg/pricefeed"
	"max.com/perprisk/pkg/settlement"
	"max.com/perprisk/pkg/store"
	"max.com/perprisk/pkg/trigger"
)

func runCommand() *cobra.Command {
	var (
		configPath     string
		migrate        bool
		matchingEngine bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the risk engine against MySQL, Redis, NATS and Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, migrate, matchingEngine)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "config file")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "auto-migrate tables on start")
	cmd.Flags().BoolVar(&matchingEngine, "matching-engine", false, "execute trigger orders through the matching engine over NATS")
	return cmd
}

func run(parent context.Context, cfg *config.AppConfig, migrate, matchingEngine bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Setup(cfg.Log.Level, cfg.Log.File)
	log := logger.Component("Engine")
	if err := idgen.Init(cfg.NodeID); err != nil {
		return err
	}

	// ===== 存储 =====
	db, err := store.OpenMySQL(cfg.MySQL.DSN, store.Options{
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate {
		if err := db.AutoMigrate(ctx); err != nil {
			return err
		}
	}

	var source config.Source = config.StaticSource(cfg.Markets)
	if cfg.MarketSource == "mysql" {
		source = db
		// 文件中的市场作为初始配置写入
		for _, mc := range cfg.Markets {
			if err := db.SaveMarketConfig(ctx, mc); err != nil {
				return fmt.Errorf("seed market %s: %w", mc.Symbol, err)
			}
		}
	}
	markets := config.NewMarketStore(source)
	if err := markets.Load(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL, "perprisk-engine")
	if err != nil {
		return err
	}
	defer nc.Close()

	// ===== 审计扇出 =====
	sinks := []settlement.Sink{settlement.NewNATSSink(nc, cfg.NATS.SettlementPrefix)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(cfg.Kafka.Brokers))
		if err != nil {
			return err
		}
		defer producer.Close()
		sinks = append(sinks, settlement.NewKafkaSink(producer, cfg.Kafka.Topic))
	}
	recorder := settlement.NewRecorder(db, 0, sinks...)

	// ===== 组件 =====
	priceCache := pricefeed.NewRedisPriceCache(rdb)
	b := backends{
		triggerIndex: trigger.NewRedisIndex(rdb),
		rankingCache: adl.NewRedisRankingCache(rdb),
		priceCache:   priceCache,
	}
	if matchingEngine {
		b.gateway = trigger.NewNATSGateway(nc, cfg.NATS.ExecuteSubject, cfg.NATS.RequestTimeout)
	}
	s := buildStack(db, markets, recorder, cfg.Engine, b)

	symbols := markets.Snapshot().Symbols()
	restored, err := priceCache.Restore(ctx, s.feed, symbols)
	if err != nil {
		log.WithError(err).Warn("restore prices failed")
	}
	for _, sym := range symbols {
		n, err := s.triggers.RebuildIndex(ctx, sym)
		if err != nil {
			return fmt.Errorf("rebuild trigger index %s: %w", sym, err)
		}
		log.WithFields(map[string]any{"symbol": sym, "orders": n}).Info("trigger index rebuilt")
	}
	log.WithFields(map[string]any{
		"symbols":         symbols,
		"prices_restored": restored,
		"config_version":  markets.Version(),
	}).Info("engine initialized")

	// ===== 入口 =====
	if err := pricefeed.SubscribeNATS(nc, cfg.NATS.PriceSubject, func(t pricefeed.Tick) error {
		err := s.engine.Submit(t)
		if errors.Is(err, pricefeed.ErrStaleTick) || errors.Is(err, futures.ErrInvalidPrice) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.TradeTopic != "" {
		consumer, err := kafka.NewConsumer(
			kafka.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.TradeTopic),
			func(ctx context.Context, _, value []byte) error {
				return s.positions.HandleTradeMessage(ctx, value)
			})
		if err != nil {
			return err
		}
		g.Go(func() error { return consumer.Run(gctx) })
	} else if err := nc.QueueSubscribe(cfg.NATS.TradeSubject, "perprisk-engine", func(_ string, data []byte) error {
		return s.positions.HandleTradeMessage(gctx, data)
	}); err != nil {
		return err
	}

	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		markets.Watch(gctx, cfg.ReloadInterval)
		return nil
	})
	g.Go(func() error { return s.engine.Run(gctx, symbols) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr) })

	<-gctx.Done()
	recorder.Close()
	err = g.Wait()
	log.Info("shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics 暴露 /metrics，addr 为空时不启动
func serveMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Component("Engine").WithField("addr", addr).Info("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
