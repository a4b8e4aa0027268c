package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"priceindex/config"
	"priceindex/internal/aggregator"
	"priceindex/internal/api"
	"priceindex/internal/cache"
	"priceindex/internal/metrics"
	"priceindex/internal/midprice"
	"priceindex/internal/symbols"
	"priceindex/logger"
	"priceindex/reader"
	"priceindex/reader/binance"
	"priceindex/reader/huobi"
	"priceindex/reader/kraken"
	"priceindex/writer"
)

// exchangeView joins a connector with the service reading its mid price.
type exchangeView struct {
	*reader.Connector
	svc *midprice.Service
}

func (v exchangeView) MidPrice(ctx context.Context) (decimal.Decimal, bool, error) {
	return v.svc.MidPrice(ctx)
}

func newProtocol(ex config.ExchangeConfig, pair string) (reader.Protocol, error) {
	switch ex.Name {
	case config.ExchangeBinance:
		return binance.New(ex.URL, pair, ex.Depth), nil
	case config.ExchangeKraken:
		return kraken.New(ex.URL, pair, ex.Depth), nil
	case config.ExchangeHuobi:
		return huobi.New(ex.URL, pair, ex.Depth), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", ex.Name)
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.ValueCache, func(), error) {
	if cfg.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rc := cache.NewRedis(client, cfg.Redis.KeyPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return rc, func() { rc.Close() }, nil
	}

	mem := cache.NewMemory()
	go mem.Run(ctx, cfg.SweepInterval)
	return mem, func() {}, nil
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.ResolvePath(""), "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"pair":        cfg.Market.Pair,
	}).Info("starting price index")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics.Enabled, cfg.Metrics.CloudWatch.Interval)
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	valueCache, closeCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		log.WithError(err).Error("failed to initialise cache")
		os.Exit(1)
	}
	defer closeCache()

	var sinks []reader.Sink
	var kafkaWriter *writer.KafkaWriter
	if cfg.Storage.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka writer")
			os.Exit(1)
		}
		metrics.StartBufferMetrics(ctx, "kafka", kafkaWriter, 0)
		sinks = append(sinks, kafkaWriter)
	} else {
		log.WithComponent("main").Info("kafka storage disabled; ticks are not streamed")
	}

	var (
		connectors []*reader.Connector
		views      []api.Exchange
		sources    []aggregator.Source
		names      []string
	)
	for _, ex := range cfg.Exchanges.List() {
		if !ex.Enabled {
			continue
		}
		pair := ex.Pair
		if pair == "" {
			pair = symbols.ForExchange(ex.Name, cfg.Market.Pair)
		}
		protocol, err := newProtocol(ex, pair)
		if err != nil {
			log.WithError(err).Error("failed to build exchange protocol")
			os.Exit(1)
		}

		conn := reader.NewConnector(protocol, valueCache, reader.Options{
			Pair:                symbols.Canonical(ex.Name, pair),
			TTL:                 cfg.Cache.TTL,
			ReconnectDelay:      cfg.Feed.ReconnectDelay,
			HandshakeTimeout:    cfg.Feed.HandshakeTimeout,
			ReadTimeout:         cfg.Feed.ReadTimeout,
			PingInterval:        cfg.Feed.PingInterval,
			DialRate:            cfg.Feed.DialRate,
			DialBurst:           cfg.Feed.DialBurst,
			SingleSidedFallback: ex.SingleSidedFallback,
			Sinks:               sinks,
		})
		svc := midprice.NewService(ex.Name, valueCache, cfg.MidPrice.PollInterval, cfg.MidPrice.PollTimeout)

		connectors = append(connectors, conn)
		views = append(views, exchangeView{Connector: conn, svc: svc})
		sources = append(sources, svc)
		names = append(names, ex.Name)

		log.WithComponent("main").WithFields(logger.Fields{
			"exchange": ex.Name,
			"endpoint": protocol.Endpoint(),
			"pair":     pair,
		}).Info("exchange configured")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, names)
	}

	for _, c := range connectors {
		if err := c.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": c.Name()}).Warn("connector failed to start")
		}
	}

	server := api.NewServer(cfg.API, aggregator.New(sources), views, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.WithError(err).Error("http server stopped")
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for _, c := range connectors {
			c.Stop()
		}
		if kafkaWriter != nil {
			kafkaWriter.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("price index stopped")
}
