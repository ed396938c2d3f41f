package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type delivery struct {
	task    Task
	attempt int
}

// MemoryQueue хранит задачи в памяти процесса, по буферу на каждый приоритет.
type MemoryQueue struct {
	queues        map[Priority]chan delivery
	maxDeliveries int
	logger        *zap.Logger
}

// NewMemoryQueue создаёт очередь ёмкостью capacity задач на приоритет.
func NewMemoryQueue(capacity, maxDeliveries int, logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	q := &MemoryQueue{
		queues:        make(map[Priority]chan delivery, len(Priorities())),
		maxDeliveries: maxDeliveries,
		logger:        logger,
	}
	for _, p := range Priorities() {
		q.queues[p] = make(chan delivery, capacity)
	}
	return q
}

// Enqueue кладёт задачу в очередь без ожидания. Переполнение возвращает ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	return q.put(ctx, delivery{task: task, attempt: 1})
}

func (q *MemoryQueue) put(ctx context.Context, d delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.queues[d.task.Priority] <- d:
		return nil
	default:
		return fmt.Errorf("%w: priority %s", ErrQueueFull, d.task.Priority)
	}
}

// Len возвращает количество задач в очереди.
func (q *MemoryQueue) Len() int {
	n := 0
	for _, ch := range q.queues {
		n += len(ch)
	}
	return n
}

// Consume обрабатывает задачи, предпочитая более высокий приоритет.
// Может вызываться из нескольких горутин.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		d, ok := q.next(ctx)
		if !ok {
			return ctx.Err()
		}

		if err := handler(ctx, d.task); err != nil {
			q.retry(ctx, d, err)
		}
	}
}

func (q *MemoryQueue) next(ctx context.Context) (delivery, bool) {
	for _, p := range Priorities() {
		select {
		case d := <-q.queues[p]:
			return d, true
		default:
		}
	}

	select {
	case <-ctx.Done():
		return delivery{}, false
	case d := <-q.queues[PriorityHigh]:
		return d, true
	case d := <-q.queues[PriorityNormal]:
		return d, true
	case d := <-q.queues[PriorityLow]:
		return d, true
	}
}

func (q *MemoryQueue) retry(ctx context.Context, d delivery, cause error) {
	log := q.logger.With(
		zap.String("request_id", d.task.RequestID),
		zap.Int("attempt", d.attempt),
		zap.Error(cause),
	)

	if d.attempt >= q.maxDeliveries {
		log.Error("dropping task after max deliveries")
		return
	}
	d.attempt++
	if err := q.put(context.WithoutCancel(ctx), d); err != nil {
		log.Error("failed to requeue task", zap.NamedError("requeue_error", err))
		return
	}
	log.Warn("task requeued")
}
