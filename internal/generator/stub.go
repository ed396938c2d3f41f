package generator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

var stubFailures = []string{
	"Model processing timeout",
	"Insufficient GPU resources",
	"Content filter violation",
	"Model overload - please retry",
	"Network connection failed",
}

var placeholderHosts = map[model.AIModel]string{
	model.ModelA: "https://placeholder-images-model-a.example.com",
	model.ModelB: "https://placeholder-images-model-b.example.com",
}

// Stub имитирует генерацию: с вероятностью failureRate отказывает, иначе
// возвращает адрес изображения-заглушки.
type Stub struct {
	failureRate float64
	latency     time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewStub создаёт заглушку. rnd == nil означает случайный источник.
func NewStub(failureRate float64, latency time.Duration, rnd *rand.Rand, logger *zap.Logger) *Stub {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stub{
		failureRate: failureRate,
		latency:     latency,
		logger:      logger,
		now:         time.Now,
		rnd:         rnd,
	}
}

// Generate ждёт latency и возвращает результат или отказ.
func (s *Stub) Generate(ctx context.Context, in Input) (*Result, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	fail := s.rnd.Float64() < s.failureRate
	msg := stubFailures[s.rnd.IntN(len(stubFailures))]
	s.mu.Unlock()

	if fail {
		s.logger.Warn("stub generation failed",
			zap.String("request_id", in.RequestID),
			zap.String("reason", msg),
		)
		return nil, &FailureError{Message: msg}
	}

	return &Result{ImageURL: s.placeholderURL(in), ModelUsed: in.Model}, nil
}

func (s *Stub) placeholderURL(in Input) string {
	host, ok := placeholderHosts[in.Model]
	if !ok {
		host = placeholderHosts[model.ModelB]
	}

	q := url.Values{}
	q.Set("model", strings.ToLower(strings.ReplaceAll(string(in.Model), " ", "_")))
	q.Set("style", in.Style)
	q.Set("color", in.Color)
	q.Set("size", in.Size)
	q.Set("timestamp", fmt.Sprint(s.now().Unix()))

	return host + "/generated/" + url.PathEscape(in.RequestID) + "?" + q.Encode()
}
