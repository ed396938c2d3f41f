// Package worker обрабатывает задачи генерации: переводит запрос в processing,
// вызывает бэкенд и завершает запрос либо возвращает кредиты.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/apperr"
	"github.com/mmeshcher/imagegen-system/internal/generator"
	"github.com/mmeshcher/imagegen-system/internal/ledger"
	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/queue"
	"github.com/mmeshcher/imagegen-system/internal/repository"
)

// Ledger описывает операции кредитного журнала, нужные воркеру.
type Ledger interface {
	MarkProcessing(ctx context.Context, requestID string) (*model.GenerationRequest, error)
	Complete(ctx context.Context, requestID, imageURL string) (*model.GenerationRequest, error)
	Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (int64, error)
}

// Worker обрабатывает одну задачу за вызов Handle. Безопасен для конкурентного использования.
type Worker struct {
	ledger            Ledger
	backend           generator.Backend
	alerter           ledger.Alerter
	logger            *zap.Logger
	generationTimeout time.Duration
}

// New создаёт воркер. alerter == nil означает ledger.LogAlerter.
func New(l Ledger, backend generator.Backend, alerter ledger.Alerter, generationTimeout time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = ledger.LogAlerter{Logger: logger}
	}
	return &Worker{
		ledger:            l,
		backend:           backend,
		alerter:           alerter,
		logger:            logger,
		generationTimeout: generationTimeout,
	}
}

// Handle обрабатывает задачу. Повторная доставка задачи для запроса в
// конечном состоянии ничего не делает. Возвращённая ошибка означает, что
// задачу нужно доставить ещё раз.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	log := w.logger.With(zap.String("request_id", task.RequestID), zap.String("user_id", task.UserID))

	req, err := w.ledger.MarkProcessing(ctx, task.RequestID)
	switch {
	case errors.Is(err, ledger.ErrRequestTerminal):
		if req != nil {
			log = log.With(zap.String("status", string(req.Status)))
		}
		log.Info("request already finished, skipping redelivered task")
		return nil
	case errors.Is(err, repository.ErrRequestNotFound):
		log.Error("task references unknown request, dropping")
		return nil
	case err != nil:
		return apperr.New(apperr.TypeSystem, "mark processing", err)
	}

	if req.UserID != task.UserID {
		log.Warn("task user does not match request owner", zap.String("owner_id", req.UserID))
	}

	genCtx, cancel := w.generationContext(ctx)
	res, genErr := w.backend.Generate(genCtx, generator.Input{RequestID: req.ID, GenerationParams: req.GenerationParams})
	cancel()

	if genErr == nil {
		return w.complete(ctx, log, req, res)
	}

	if ctx.Err() != nil {
		// Обработка прервана остановкой воркера: задача будет доставлена повторно.
		return ctx.Err()
	}
	return w.refund(ctx, log, req, generator.Reason(genErr))
}

func (w *Worker) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.generationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.generationTimeout)
}

func (w *Worker) complete(ctx context.Context, log *zap.Logger, req *model.GenerationRequest, res *generator.Result) error {
	_, err := w.ledger.Complete(ctx, req.ID, res.ImageURL)
	switch {
	case errors.Is(err, ledger.ErrRequestTerminal):
		log.Info("request finished concurrently, ignoring result")
		return nil
	case err != nil:
		log.Error("failed to complete request", zap.Error(err))
		return apperr.New(apperr.TypeSystem, "complete request", err)
	}

	log.Info("generation succeeded", zap.String("image_url", res.ImageURL))
	return nil
}

func (w *Worker) refund(ctx context.Context, log *zap.Logger, req *model.GenerationRequest, reason string) error {
	log.Warn("generation failed, refunding", zap.String("reason", reason))

	_, err := w.ledger.Refund(ctx, req.UserID, req.ID, req.CreditsDeducted, reason)
	switch {
	case errors.Is(err, ledger.ErrRequestTerminal):
		log.Info("request already finished, refund skipped")
		return nil
	case err != nil:
		w.alerter.CreditsLost(ctx, req, reason, err)
		return apperr.WithRefund(apperr.TypeCriticalSystemError, "generation failed and refund failed", false, err)
	}
	return nil
}
