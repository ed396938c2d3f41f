// Package main запускает HTTP API, пул воркеров генерации и планировщик отчётов.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/imagegen-system/internal/anomaly"
	"github.com/mmeshcher/imagegen-system/internal/catalog"
	"github.com/mmeshcher/imagegen-system/internal/config"
	"github.com/mmeshcher/imagegen-system/internal/generator"
	"github.com/mmeshcher/imagegen-system/internal/handler"
	"github.com/mmeshcher/imagegen-system/internal/ledger"
	"github.com/mmeshcher/imagegen-system/internal/middleware"
	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/queue"
	"github.com/mmeshcher/imagegen-system/internal/report"
	"github.com/mmeshcher/imagegen-system/internal/repository"
	"github.com/mmeshcher/imagegen-system/internal/scheduler"
	"github.com/mmeshcher/imagegen-system/internal/service"
	"github.com/mmeshcher/imagegen-system/internal/worker"
)

// store объединяет возможности хранилища, нужные сервису целиком.
type store interface {
	service.Repository
	report.Store
	ledger.Store
	CreateUser(ctx context.Context, u *model.User) error
	Close() error
}

type transport struct {
	publisher queue.Publisher
	consumer  queue.Consumer
	// tasks и signer заданы только для драйвера http.
	tasks  queue.Publisher
	signer *middleware.TaskSigner
	close  func() error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Parse()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage initialization error", zap.Error(err))
	}
	defer repo.Close()

	seeds, err := repository.ParseSeeds(cfg.SeedUsers)
	if err != nil {
		logger.Fatal("invalid seed users", zap.Error(err))
	}
	if created, err := repository.SeedUsers(ctx, repo, seeds, time.Now().UTC()); err != nil {
		logger.Fatal("seed users error", zap.Error(err))
	} else if created > 0 {
		logger.Info("seed users created", zap.Int("count", created))
	}

	tr, err := openTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("queue initialization error", zap.Error(err))
	}
	defer tr.close()

	alerter := ledger.LogAlerter{Logger: logger}
	l := ledger.New(repo, ledger.Config{TxTimeout: cfg.Timeouts.Transaction}, logger)

	w := worker.New(l, newBackend(cfg, logger), alerter, cfg.Timeouts.Generation, logger)
	pool := worker.NewPool(tr.consumer, w, cfg.WorkerConcurrency, logger)

	svc := service.NewService(repo, l, tr.publisher, catalog.Default(), alerter, service.Config{
		EnqueueTimeout:      cfg.Timeouts.Enqueue,
		DefaultPriority:     queue.Priority(cfg.DefaultPriority),
		EstimatedProcessing: cfg.Timeouts.EstimatedProcessing,
		HistoryLimit:        cfg.HistoryLimit,
	}, logger)

	reports := report.NewService(repo, anomaly.NewDetector(cfg.Anomaly), report.Config{
		Window:            cfg.Report.Window,
		BaselineTolerance: cfg.Report.BaselineTolerance,
	}, logger)

	h := handler.NewHandler(svc, reports, tr.tasks, tr.signer, logger)
	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(ctx)
	})

	if cfg.Report.Enabled {
		rs, err := scheduler.NewReportScheduler(reports, cfg.Report.Cron, 10*time.Minute, logger)
		if err != nil {
			logger.Fatal("scheduler initialization error", zap.Error(err))
		}
		g.Go(func() error {
			return rs.Run(ctx)
		})
	}

	g.Go(func() error {
		logger.Info("starting imagegen server",
			zap.String("addr", cfg.RunAddress),
			zap.String("queue", cfg.QueueDriver),
			zap.Bool("postgres", cfg.DatabaseURI != ""),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("application terminated with error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}
	repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func openTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*transport, error) {
	noop := func() error { return nil }

	switch cfg.QueueDriver {
	case config.QueueDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}

		consumer := cfg.Redis.Consumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		rq := queue.NewRedisQueue(client, queue.RedisOptions{
			StreamPrefix:  cfg.Redis.StreamPrefix,
			Group:         cfg.Redis.Group,
			Consumer:      consumer,
			Block:         cfg.Redis.Block,
			ClaimMinIdle:  cfg.Redis.ClaimMinIdle,
			MaxDeliveries: cfg.Redis.MaxDeliveries,
		}, logger)
		if err := rq.EnsureGroups(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return &transport{publisher: rq, consumer: rq, close: client.Close}, nil

	case config.QueueDriverHTTP:
		local := queue.NewMemoryQueue(cfg.QueueCapacity, cfg.QueueMaxDeliveries, logger)
		signer := middleware.NewTaskSigner(cfg.TaskPush.Secret)
		return &transport{
			publisher: queue.NewHTTPPublisher(cfg.TaskPush.URL, signer, cfg.Timeouts.Enqueue),
			consumer:  local,
			tasks:     local,
			signer:    signer,
			close:     noop,
		}, nil

	default:
		mq := queue.NewMemoryQueue(cfg.QueueCapacity, cfg.QueueMaxDeliveries, logger)
		return &transport{publisher: mq, consumer: mq, close: noop}, nil
	}
}

func newBackend(cfg *config.Config, logger *zap.Logger) generator.Backend {
	if cfg.GeneratorAddress != "" {
		return generator.NewClient(cfg.GeneratorAddress, cfg.Timeouts.Generation)
	}
	logger.Info("GENERATOR_ADDRESS is empty, using stub backend",
		zap.Float64("failure_rate", cfg.Stub.FailureRate),
		zap.Duration("latency", cfg.Stub.Latency),
	)
	return generator.NewStub(cfg.Stub.FailureRate, cfg.Stub.Latency, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), logger)
}
