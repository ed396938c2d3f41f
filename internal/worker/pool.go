package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/imagegen-system/internal/apperr"
	"github.com/mmeshcher/imagegen-system/internal/queue"
)

// Pool запускает concurrency потребителей очереди, передающих задачи воркеру.
type Pool struct {
	consumer    queue.Consumer
	worker      *Worker
	concurrency int
	logger      *zap.Logger
}

// NewPool создаёт пул потребителей.
func NewPool(consumer queue.Consumer, w *Worker, concurrency int, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{consumer: consumer, worker: w, concurrency: concurrency, logger: logger}
}

// Run блокируется до отмены ctx. Отмена не считается ошибкой.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			err := p.consumer.Consume(ctx, p.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) handle(ctx context.Context, task queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task handler panicked",
				zap.String("request_id", task.RequestID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = apperr.New(apperr.TypeSystem, "task handler panicked", fmt.Errorf("%v", r))
		}
	}()
	return p.worker.Handle(ctx, task)
}
