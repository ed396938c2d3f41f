package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

func task(id string, p Priority) Task {
	return Task{
		RequestID: id,
		UserID:    "u1",
		Model:     model.ModelA,
		Style:     "anime",
		Color:     "neon",
		Size:      "512x512",
		Prompt:    "cat",
		Priority:  p,
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestTaskValidate(t *testing.T) {
	assert.NoError(t, task("r1", PriorityLow).Validate())
	assert.ErrorIs(t, Task{UserID: "u1"}.Validate(), ErrInvalidTask)
	assert.ErrorIs(t, task("r1", "urgent").Validate(), ErrInvalidTask)
}

func TestNewTask(t *testing.T) {
	req := &model.GenerationRequest{
		ID:     "r1",
		UserID: "u1",
		GenerationParams: model.GenerationParams{
			Model: model.ModelB, Style: "sketch", Color: "pastel", Size: "1024x1024", Prompt: "tree",
		},
	}

	got := NewTask(req, PriorityHigh)
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, model.ModelB, got.Model)
	assert.Equal(t, "1024x1024", got.Size)
	assert.Equal(t, "tree", got.Prompt)
	assert.Equal(t, PriorityHigh, got.Priority)
}

func TestMemoryQueuePriorityOrder(t *testing.T) {
	q := NewMemoryQueue(10, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, task("low", PriorityLow)))
	require.NoError(t, q.Enqueue(ctx, task("normal", "")))
	require.NoError(t, q.Enqueue(ctx, task("high", PriorityHigh)))
	assert.Equal(t, 3, q.Len())

	var got []string
	err := q.Consume(ctx, func(ctx context.Context, task Task) error {
		got = append(got, task.RequestID)
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"high", "normal", "low"}, got)
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1, 1, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("r1", PriorityNormal)))
	assert.ErrorIs(t, q.Enqueue(ctx, task("r2", PriorityNormal)), ErrQueueFull)
	assert.NoError(t, q.Enqueue(ctx, task("r3", PriorityHigh)))
}

func TestMemoryQueueRedeliversUntilMax(t *testing.T) {
	q := NewMemoryQueue(10, 3, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, task("r1", PriorityNormal)))

	attempts := 0
	_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
		attempts++
		if attempts == 3 {
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()
		}
		return errors.New("transient")
	})

	assert.Equal(t, 3, attempts)
	assert.Zero(t, q.Len())
}

func TestMemoryQueueConcurrentConsumers(t *testing.T) {
	q := NewMemoryQueue(100, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(ctx, task(string(rune('A'+i)), PriorityNormal)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
				mu.Lock()
				seen[task.RequestID]++
				if len(seen) == 50 {
					cancel()
				}
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s delivered %d times", id, n)
	}
}

func newRedisQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	return newClaimingRedisQueue(t, 0, 3)
}

func newClaimingRedisQueue(t *testing.T, claimMinIdle time.Duration, maxDeliveries int64) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, RedisOptions{
		StreamPrefix:  "test:tasks",
		Group:         "workers",
		Consumer:      "w1",
		Block:         50 * time.Millisecond,
		ClaimMinIdle:  claimMinIdle,
		MaxDeliveries: maxDeliveries,
	}, zap.NewNop())
	return q, client
}

func TestRedisQueueEnqueueConsumeAck(t *testing.T) {
	q, client := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, q.EnsureGroups(ctx))
	require.NoError(t, q.EnsureGroups(ctx), "group creation must be idempotent")

	require.NoError(t, q.Enqueue(ctx, task("r-low", PriorityLow)))
	require.NoError(t, q.Enqueue(ctx, task("r-high", PriorityHigh)))

	n, err := client.XLen(ctx, q.StreamFor(PriorityHigh)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got []Task
	err = q.Consume(ctx, func(ctx context.Context, task Task) error {
		got = append(got, task)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 2)
	assert.Equal(t, "r-high", got[0].RequestID)
	assert.Equal(t, "r-low", got[1].RequestID)
	assert.Equal(t, model.ModelA, got[0].Model)

	pending, err := client.XPending(context.Background(), q.StreamFor(PriorityHigh), "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisQueueLeavesFailedTaskPending(t *testing.T) {
	q, client := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, task("r1", PriorityNormal)))

	_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
		cancel()
		return errors.New("store unavailable")
	})

	pending, err := client.XPending(context.Background(), q.StreamFor(PriorityNormal), "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestRedisQueueReclaimsFailedTask(t *testing.T) {
	q, client := newClaimingRedisQueue(t, 50*time.Millisecond, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, task("r1", PriorityNormal)))

	calls := 0
	err := q.Consume(ctx, func(ctx context.Context, task Task) error {
		calls++
		if calls == 1 {
			return errors.New("store unavailable")
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)

	pending, err := client.XPending(context.Background(), q.StreamFor(PriorityNormal), "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	dead, err := client.XLen(context.Background(), q.DeadLetterStream()).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestRedisQueueDeadLettersExhaustedTask(t *testing.T) {
	q, client := newClaimingRedisQueue(t, 50*time.Millisecond, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, task("r1", PriorityHigh)))

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(ctx context.Context, task Task) error {
			calls.Add(1)
			return errors.New("model overload")
		})
	}()

	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), q.DeadLetterStream()).Result()
		return err == nil && n == 1
	}, 4*time.Second, 20*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, int32(2), calls.Load())

	msgs, err := client.XRange(context.Background(), q.DeadLetterStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, q.StreamFor(PriorityHigh), msgs[0].Values["source"])
	assert.Equal(t, "2", msgs[0].Values["deliveries"])

	moved, err := decodeTask(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "r1", moved.RequestID)

	pending, err := client.XPending(context.Background(), q.StreamFor(PriorityHigh), "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisQueueRejectsInvalidTask(t *testing.T) {
	q, _ := newRedisQueue(t)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Task{}), ErrInvalidTask)
}

type headerSigner struct{}

func (headerSigner) SignRequest(r *http.Request, body []byte) {
	r.Header.Set("X-Test-Signature", "signed")
}

func TestHTTPPublisher(t *testing.T) {
	var received Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "signed", r.Header.Get("X-Test-Signature"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, headerSigner{}, time.Second)
	require.NoError(t, p.Enqueue(context.Background(), task("r1", "")))
	assert.Equal(t, "r1", received.RequestID)
	assert.Equal(t, PriorityNormal, received.Priority)
}

func TestHTTPPublisherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, nil, time.Second)
	assert.Error(t, p.Enqueue(context.Background(), task("r1", PriorityNormal)))

	srv.Close()
	assert.Error(t, p.Enqueue(context.Background(), task("r1", PriorityNormal)))
}
