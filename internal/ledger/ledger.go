// Package ledger реализует кредитный журнал: резервирование кредитов вместе с
// созданием запроса на генерацию, завершение и возврат кредитов.
//
// Каждая операция выполняется в одной транзакции хранилища и перечитывает
// баланс и статус запроса внутри неё.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/repository"
)

var (
	// ErrInsufficientCredits возвращается, если баланс меньше стоимости генерации.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrRequestTerminal возвращается, если запрос уже в конечном состоянии.
	ErrRequestTerminal = errors.New("generation request already in terminal state")
	// ErrInvalidTransition возвращается при недопустимом переходе состояния.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidAmount возвращается при неположительной или превышающей списание сумме.
	ErrInvalidAmount = errors.New("invalid credit amount")
	// ErrOwnerMismatch возвращается, если запрос принадлежит другому пользователю.
	ErrOwnerMismatch = errors.New("generation request belongs to another user")
)

// Store описывает хранилище с атомарными транзакциями.
type Store interface {
	RunInTx(ctx context.Context, fn repository.TxFunc) error
}

// Config содержит параметры журнала.
type Config struct {
	// TxTimeout ограничивает длительность одной транзакции.
	TxTimeout time.Duration
}

// Ledger управляет балансами пользователей и жизненным циклом запросов.
type Ledger struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New создаёт журнал поверх хранилища.
func New(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reservation содержит результат успешного резервирования.
type Reservation struct {
	Request    *model.GenerationRequest
	NewBalance int64
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.TxTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.cfg.TxTimeout)
}

// ReserveAndCreate списывает cost кредитов и создаёт запрос в статусе pending.
// Списание, создание запроса и запись deduction фиксируются вместе.
func (l *Ledger) ReserveAndCreate(ctx context.Context, userID string, cost int64, params model.GenerationParams) (*Reservation, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("%w: cost %d", ErrInvalidAmount, cost)
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var res *Reservation
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		u, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u.CurrentCredits < cost {
			return fmt.Errorf("%w: balance %d, required %d", ErrInsufficientCredits, u.CurrentCredits, cost)
		}

		now := l.now()
		balance := u.CurrentCredits - cost
		if err := tx.UpdateUserCredits(ctx, userID, balance, now); err != nil {
			return err
		}

		req := &model.GenerationRequest{
			ID:               l.newID(),
			UserID:           userID,
			GenerationParams: params,
			Status:           model.StatusPending,
			CreditsDeducted:  cost,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertGenerationRequest(ctx, req); err != nil {
			return err
		}

		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:                  l.newID(),
			UserID:              userID,
			Type:                model.TransactionTypeDeduction,
			Credits:             cost,
			GenerationRequestID: req.ID,
			Timestamp:           now,
			Description:         fmt.Sprintf("Image generation - %s - %s", params.Model, params.Size),
		}); err != nil {
			return err
		}

		res = &Reservation{Request: req, NewBalance: balance}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}

	l.logger.Info("credits reserved",
		zap.String("user_id", userID),
		zap.String("request_id", res.Request.ID),
		zap.Int64("credits", cost),
		zap.Int64("balance", res.NewBalance),
	)
	return res, nil
}

// MarkQueued переводит pending-запрос в queued. Если запрос уже ушёл дальше,
// вызов ничего не меняет.
func (l *Ledger) MarkQueued(ctx context.Context, requestID string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	err := l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetGenerationRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != model.StatusPending {
			return nil
		}
		req.Status = model.StatusQueued
		req.UpdatedAt = l.now()
		return tx.UpdateGenerationRequest(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	return nil
}

// MarkProcessing переводит запрос в processing и возвращает его.
// Повторный вызов для processing-запроса допустим. Для запроса в конечном
// состоянии возвращается ErrRequestTerminal вместе с запросом.
func (l *Ledger) MarkProcessing(ctx context.Context, requestID string) (*model.GenerationRequest, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var current *model.GenerationRequest
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetGenerationRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		current = req

		switch {
		case req.Status.IsTerminal():
			return ErrRequestTerminal
		case req.Status == model.StatusProcessing:
			return nil
		case !req.Status.CanTransitionTo(model.StatusProcessing):
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, model.StatusProcessing)
		}

		req.Status = model.StatusProcessing
		req.UpdatedAt = l.now()
		return tx.UpdateGenerationRequest(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrRequestTerminal) {
			return current, err
		}
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	return current, nil
}

// Complete завершает запрос успешно. Баланс не меняется. Счётчик
// сгенерированных изображений пользователя увеличивается отдельно, его ошибка
// только логируется.
func (l *Ledger) Complete(ctx context.Context, requestID, imageURL string) (*model.GenerationRequest, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var done *model.GenerationRequest
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetGenerationRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return ErrRequestTerminal
		}
		if !req.Status.CanTransitionTo(model.StatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, model.StatusCompleted)
		}

		now := l.now()
		req.Status = model.StatusCompleted
		req.ImageURL = imageURL
		req.ErrorMessage = ""
		req.UpdatedAt = now
		req.CompletedAt = &now
		if err := tx.UpdateGenerationRequest(ctx, req); err != nil {
			return err
		}
		done = req
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete request: %w", err)
	}

	if err := l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.IncrementImagesGenerated(ctx, done.UserID, l.now())
	}); err != nil {
		l.logger.Warn("failed to increment images generated",
			zap.String("user_id", done.UserID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	l.logger.Info("generation completed",
		zap.String("user_id", done.UserID),
		zap.String("request_id", requestID),
	)
	return done, nil
}

// Refund возвращает amount кредитов пользователю и переводит запрос в failed.
// Для запроса в конечном состоянии возвращается ErrRequestTerminal и баланс
// не меняется, поэтому повторный вызов не начисляет кредиты дважды.
func (l *Ledger) Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount %d", ErrInvalidAmount, amount)
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var balance int64
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetGenerationRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.UserID != userID {
			return ErrOwnerMismatch
		}
		if req.Status.IsTerminal() {
			return ErrRequestTerminal
		}
		if amount > req.CreditsDeducted {
			return fmt.Errorf("%w: refund %d exceeds deducted %d", ErrInvalidAmount, amount, req.CreditsDeducted)
		}

		u, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		now := l.now()
		balance = u.CurrentCredits + amount
		if err := tx.UpdateUserCredits(ctx, userID, balance, now); err != nil {
			return err
		}

		req.Status = model.StatusFailed
		req.ErrorMessage = reason
		req.UpdatedAt = now
		req.CompletedAt = &now
		if err := tx.UpdateGenerationRequest(ctx, req); err != nil {
			return err
		}

		return tx.InsertTransaction(ctx, &model.Transaction{
			ID:                  l.newID(),
			UserID:              userID,
			Type:                model.TransactionTypeRefund,
			Credits:             amount,
			GenerationRequestID: requestID,
			Timestamp:           now,
			Description:         "Refund for failed generation: " + reason,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("refund credits: %w", err)
	}

	l.logger.Info("credits refunded",
		zap.String("user_id", userID),
		zap.String("request_id", requestID),
		zap.Int64("credits", amount),
		zap.Int64("balance", balance),
		zap.String("reason", reason),
	)
	return balance, nil
}
