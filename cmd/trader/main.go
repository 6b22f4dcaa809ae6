package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/adapter/enum"
	"main/internal/broker"
	"main/internal/broker/bybit"
	"main/internal/broker/mock"
	"main/internal/engine"
	"main/internal/idem"
	"main/internal/ops"
	"main/internal/risk"
	"main/internal/store"
	"main/pkg/conn"
	"main/pkg/exception"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.json", "Path to JSON config")
	paper := flag.Bool("paper", false, "Paper trading: in-memory store, mock broker only")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *paper {
		loaded.Features.PaperTrading = true
	}

	if loaded.Features.Profiling {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   "http://localhost:4040",
			Tags: map[string]string{
				"env": "local",
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	if err := run(ctx, loaded); err != nil {
		logs.Errorf("trader exited, err: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, loaded ops.Loaded) error {
	st, closeStore, err := openStore(ctx, loaded)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := broker.NewRegistry()
	httpClient := &http.Client{Timeout: 30 * time.Second}
	for _, spec := range loaded.Brokers {
		if loaded.Features.PaperTrading && spec.ID != enum.BrokerMock {
			logs.Infof("paper trading: skip broker %s", spec.ID)
			continue
		}

		gateway, err := buildGateway(spec, httpClient)
		if err != nil {
			return err
		}

		throttled := broker.Throttle(gateway, spec.RateLimit)
		if err := throttled.Connect(ctx); err != nil {
			return errors.Wrapf(err, "connect %s", spec.ID)
		}
		registry.Register(spec.ID, throttled)
		logs.Infof("broker %s ready", spec.ID)
	}

	cache := idem.NewCache(loaded.Cache)
	go cache.Run(ctx)

	eng := engine.New(registry, st, cache, risk.NewEngine(loaded.Risk))

	for _, spec := range loaded.Brokers {
		if spec.ID != enum.BrokerBybit || loaded.Features.PaperTrading {
			continue
		}

		stream := bybit.NewStream(ctx, spec.Token, spec.Testnet)
		if err := stream.StartWebsocketAndAuth(ctx); err != nil {
			return errors.Wrap(err, "start bybit order stream")
		}
		defer stream.Close()

		if err := stream.SubscribeOrder(ctx); err != nil {
			return errors.Wrap(err, "subscribe bybit orders")
		}
		stream.ObserveOrder(ctx, func(u broker.OrderUpdate) {
			if err := eng.ApplyUpdate(context.WithoutCancel(ctx), u); err != nil {
				logs.Errorf("apply order update %s, err: %+v", u.ExchangeOrderID, err)
			}
		})
	}

	active, err := eng.GetActiveOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "load active orders")
	}
	logs.Infof("engine ready, %d active orders", len(active))

	<-ctx.Done()

	snap := eng.Metrics().Snapshot()
	logs.Infof("shutting down: %d submissions, %d dispatches, %d conflicts, %d rejections, %d retriable faults, dispatch avg %s max %s",
		snap.Submissions, snap.Dispatches, snap.Conflicts, snap.Rejections, snap.RetriableFaults,
		snap.DispatchLatency.Avg, snap.DispatchLatency.Max)
	return nil
}

func openStore(ctx context.Context, loaded ops.Loaded) (store.Store, func(), error) {
	if loaded.Features.PaperTrading {
		return store.NewMemory(), func() {}, nil
	}

	client, err := conn.New(loaded.Database)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open postgres")
	}

	pg := store.NewPostgres(client.DB())
	if err := pg.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "migrate orders")
	}

	return pg, func() { _ = client.Close() }, nil
}

func buildGateway(spec ops.BrokerSpec, httpClient *http.Client) (broker.Gateway, error) {
	switch spec.ID {
	case enum.BrokerBybit:
		return bybit.NewGateway(httpClient, spec.Token, spec.Testnet), nil
	case enum.BrokerMock:
		return mock.New(), nil
	default:
		return nil, errors.Wrap(exception.ErrOrderUnsupportedBroker, spec.ID.String())
	}
}
