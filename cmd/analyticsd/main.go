// Command analyticsd serves cached analytics aggregates over HTTP and runs
// the background refresh worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aiagentinc/revalidate"
	"github.com/aiagentinc/revalidate/analytics"
	"github.com/aiagentinc/revalidate/deferred"
	"github.com/aiagentinc/revalidate/internal/config"
	"github.com/aiagentinc/revalidate/queue"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "analyticsd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zl, err := newZapLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()

	logger, err := revalidate.NewZapAdapter(zl)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics revalidate.CacheMetrics = &revalidate.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		pm, err := revalidate.NewPrometheusMetrics(promReg, cfg.Metrics.Namespace)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metrics = pm
	}

	jobs, err := openQueue(cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer jobs.Close()

	var breaker *revalidate.Breaker
	if cfg.Breaker.Enabled {
		breaker = revalidate.NewBreaker(revalidate.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		})
	}

	serializer, err := revalidate.NewSerializer(cfg.Cache.Serializer, cfg.Cache.Compress)
	if err != nil {
		return err
	}

	coord, err := revalidate.NewCoordinatorWithConfig(&revalidate.Config{
		Store:      store,
		Logger:     logger,
		Serializer: serializer,
		Metrics:    metrics,
		Dispatcher: revalidate.NewDispatcher(jobs.queue, deferred.NewContextRunner(), logger),
		Breaker:    breaker,
		LockTTL:    cfg.Cache.LockTTL,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	svc, err := analytics.NewService(coord, newSource(cfg.Upstream), analytics.Options{
		StaleTTL: cfg.Cache.StaleTTL,
		MaxTTL:   cfg.Cache.MaxTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := revalidate.NewRegistry()
	if err := svc.RegisterJobs(registry); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	var worker *queue.Worker
	if jobs.subscriber != nil {
		worker, err = queue.NewWorker(queue.WorkerConfig{
			Subscriber:        jobs.subscriber,
			Topic:             cfg.Queue.Topic,
			Runner:            coord,
			Registry:          registry,
			Logger:            logger,
			ThrottlePerSecond: cfg.Queue.ThrottlePerSecond,
		})
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
	}

	after := deferred.New(logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(after.Handler)
	r.Mount("/analytics", analytics.NewHandler(svc, logger).Routes())
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", revalidate.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := after.Wait(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if worker != nil {
			if err := worker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("worker close: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.CacheConfig, logger revalidate.Logger) (revalidate.Store, error) {
	switch cfg.Backend {
	case "badger":
		bc := revalidate.DefaultBadgerConfig(cfg.Dir)
		bc.Logger = revalidate.NewBadgerLogger(logger)
		return revalidate.NewBadgerStore(ctx, bc)
	case "redis":
		rc := revalidate.DefaultRedisConfig(cfg.RedisAddr)
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		rc.KeyPrefix = cfg.KeyPrefix
		return revalidate.NewRedisStore(ctx, rc)
	default:
		return revalidate.NewMemoryStore(cfg.MemoryCapacity)
	}
}

// jobTransport holds the queue ends selected by configuration. Both are nil
// for the inline backend.
type jobTransport struct {
	queue      revalidate.JobQueue
	subscriber message.Subscriber
	closers    []func() error
}

func (t *jobTransport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i]())
	}
	return errors.Join(errs...)
}

func openQueue(cfg config.QueueConfig, logger revalidate.Logger) (*jobTransport, error) {
	wmLogger := queue.NewLoggerAdapter(logger)
	t := &jobTransport{}

	switch cfg.Backend {
	case "inline":
		logger.Warn("refreshes run inline after the response; use the nats queue with the redis cache when running more than one node")
		return t, nil

	case "memory":
		ch := queue.NewInProcess(wmLogger)
		pub, err := queue.NewPublisher(ch, cfg.Topic)
		if err != nil {
			return nil, err
		}
		t.queue = pub
		t.subscriber = ch
		t.closers = append(t.closers, pub.Close)
		return t, nil

	case "nats":
		nc := queue.DefaultNATSConfig(cfg.NATSURL)
		nc.DurableName = cfg.DurableName
		nc.SubscribersCount = cfg.Subscribers
		nc.AckWaitTimeout = cfg.AckWait

		natsPub, err := queue.NewNATSPublisher(nc, wmLogger)
		if err != nil {
			return nil, err
		}
		pub, err := queue.NewPublisher(natsPub, cfg.Topic)
		if err != nil {
			return nil, err
		}
		t.queue = pub
		t.closers = append(t.closers, pub.Close)

		if cfg.Worker {
			sub, err := queue.NewNATSSubscriber(nc, wmLogger)
			if err != nil {
				_ = t.Close()
				return nil, err
			}
			t.subscriber = sub
			t.closers = append(t.closers, sub.Close)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func newSource(cfg config.UpstreamConfig) analytics.Source {
	var src analytics.Source
	if cfg.URL == "" {
		src = analytics.NewStaticSource(sampleAggregate(), sampleHistory())
	} else {
		src = analytics.NewHTTPSource(cfg.URL, cfg.Token, &http.Client{Timeout: cfg.Timeout})
	}
	return analytics.NewRateLimitedSource(src, cfg.RateEvery, cfg.RateBurst)
}

func sampleAggregate() analytics.Aggregate {
	return analytics.Aggregate{
		Properties: []analytics.PropertyStats{
			{PropertyID: "properties/1001", Name: "Main site", Users: 18234, Sessions: 25110, Pageviews: 80412, BounceRate: 0.41},
			{PropertyID: "properties/1002", Name: "Docs", Users: 6120, Sessions: 9034, Pageviews: 31877, BounceRate: 0.28},
			{PropertyID: "properties/1003", Name: "Blog", Users: 2950, Sessions: 3311, Pageviews: 5120, BounceRate: 0.63},
		},
	}
}

func sampleHistory() analytics.History {
	today := time.Now().UTC()
	points := make([]analytics.HistoryPoint, 0, 7)
	for i := 6; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		points = append(points, analytics.HistoryPoint{
			Date:      day.Format(time.DateOnly),
			Users:     int64(3000 + 150*i),
			Sessions:  int64(4200 + 180*i),
			Pageviews: int64(12800 + 400*i),
		})
	}
	return analytics.History{Points: points}
}
