package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const payloadField = "task"

// RedisOptions описывает потоки и группу потребителей Redis Streams.
type RedisOptions struct {
	StreamPrefix  string
	Group         string
	Consumer      string
	Block         time.Duration
	ClaimMinIdle  time.Duration
	MaxDeliveries int64
}

// RedisQueue хранит задачи в Redis Streams: по потоку на приоритет и общая группа потребителей.
// Неподтверждённые задачи забираются повторно после ClaimMinIdle.
type RedisQueue struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.Logger
}

// NewRedisQueue создаёт очередь поверх клиента Redis.
func NewRedisQueue(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	return &RedisQueue{client: client, opts: opts, logger: logger}
}

// StreamFor возвращает имя потока для приоритета.
func (q *RedisQueue) StreamFor(p Priority) string {
	return q.opts.StreamPrefix + ":" + string(p)
}

// DeadLetterStream возвращает имя потока для задач, исчерпавших попытки.
func (q *RedisQueue) DeadLetterStream() string {
	return q.opts.StreamPrefix + ":dead"
}

// Enqueue добавляет задачу в поток её приоритета.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.StreamFor(task.Priority),
		Values: map[string]any{payloadField: string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// EnsureGroups создаёт потоки и группу потребителей, если их ещё нет.
func (q *RedisQueue) EnsureGroups(ctx context.Context) error {
	for _, p := range Priorities() {
		err := q.client.XGroupCreateMkStream(ctx, q.StreamFor(p), q.opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group for %s: %w", q.StreamFor(p), err)
		}
	}
	return nil
}

// Consume читает задачи группой потребителей. Задача подтверждается, только
// если handler вернул nil.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.EnsureGroups(ctx); err != nil {
		return err
	}

	streams := make([]string, 0, 2*len(Priorities()))
	for _, p := range Priorities() {
		streams = append(streams, q.StreamFor(p))
	}
	for range Priorities() {
		streams = append(streams, ">")
	}

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if q.opts.ClaimMinIdle > 0 && time.Since(lastClaim) >= q.opts.ClaimMinIdle/2 {
			q.reclaim(ctx, handler)
			lastClaim = time.Now()
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  streams,
			Count:    1,
			Block:    q.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("xreadgroup failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				q.process(ctx, stream.Stream, msg, handler)
			}
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, stream string, msg redis.XMessage, handler Handler) {
	log := q.logger.With(zap.String("stream", stream), zap.String("message_id", msg.ID))

	task, err := decodeTask(msg)
	if err != nil {
		log.Error("dropping malformed task", zap.Error(err))
		q.ack(ctx, stream, msg.ID)
		return
	}

	if err := handler(ctx, task); err != nil {
		log.Warn("task left pending for redelivery", zap.String("request_id", task.RequestID), zap.Error(err))
		return
	}
	q.ack(ctx, stream, msg.ID)
}

func (q *RedisQueue) ack(ctx context.Context, stream, id string) {
	if err := q.client.XAck(context.WithoutCancel(ctx), stream, q.opts.Group, id).Err(); err != nil {
		q.logger.Error("xack failed", zap.String("stream", stream), zap.String("message_id", id), zap.Error(err))
	}
}

// reclaim забирает задачи, зависшие у упавших потребителей. Задачи, исчерпавшие
// MaxDeliveries, переносятся в поток DeadLetterStream.
func (q *RedisQueue) reclaim(ctx context.Context, handler Handler) {
	for _, p := range Priorities() {
		stream := q.StreamFor(p)

		pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  q.opts.Group,
			Idle:   q.opts.ClaimMinIdle,
			Start:  "-",
			End:    "+",
			Count:  10,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Error("xpending failed", zap.String("stream", stream), zap.Error(err))
			}
			continue
		}

		for _, pe := range pending {
			msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    q.opts.Group,
				Consumer: q.opts.Consumer,
				MinIdle:  q.opts.ClaimMinIdle,
				Messages: []string{pe.ID},
			}).Result()
			if err != nil {
				q.logger.Error("xclaim failed", zap.String("stream", stream), zap.String("message_id", pe.ID), zap.Error(err))
				continue
			}

			for _, msg := range msgs {
				if pe.RetryCount >= q.opts.MaxDeliveries {
					q.deadLetter(ctx, stream, msg, pe.RetryCount)
					continue
				}
				q.process(ctx, stream, msg, handler)
			}
		}
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, stream string, msg redis.XMessage, deliveries int64) {
	values := map[string]any{"source": stream, "deliveries": deliveries}
	for k, v := range msg.Values {
		values[k] = v
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DeadLetterStream(), Values: values}).Err(); err != nil {
		q.logger.Error("failed to dead-letter task", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	q.ack(ctx, stream, msg.ID)
	q.logger.Error("task moved to dead letter stream",
		zap.String("stream", stream),
		zap.String("message_id", msg.ID),
		zap.Int64("deliveries", deliveries),
	)
}

func decodeTask(msg redis.XMessage) (Task, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return Task{}, fmt.Errorf("message %s has no %q field", msg.ID, payloadField)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, task.Validate()
}
