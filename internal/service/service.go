// Package service реализует приём запросов на генерацию и чтение их состояния.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/apperr"
	"github.com/mmeshcher/imagegen-system/internal/catalog"
	"github.com/mmeshcher/imagegen-system/internal/ledger"
	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/queue"
	"github.com/mmeshcher/imagegen-system/internal/repository"
	"github.com/mmeshcher/imagegen-system/internal/validation"
)

// Repository описывает контракт чтения данных, используемый сервисом.
type Repository interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetGenerationRequest(ctx context.Context, requestID string) (*model.GenerationRequest, error)
	GetTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
}

// Ledger описывает операции кредитного журнала, используемые при приёме запроса.
type Ledger interface {
	ReserveAndCreate(ctx context.Context, userID string, cost int64, params model.GenerationParams) (*ledger.Reservation, error)
	MarkQueued(ctx context.Context, requestID string) error
	Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (int64, error)
}

// Config содержит параметры сервиса.
type Config struct {
	EnqueueTimeout      time.Duration
	DefaultPriority     queue.Priority
	EstimatedProcessing time.Duration
	HistoryLimit        int
}

// Service содержит бизнес-логику приёма запросов на генерацию.
type Service struct {
	repo      Repository
	ledger    Ledger
	publisher queue.Publisher
	catalog   catalog.Catalog
	alerter   ledger.Alerter
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт сервис.
func NewService(repo Repository, l Ledger, publisher queue.Publisher, cat catalog.Catalog, alerter ledger.Alerter, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = ledger.LogAlerter{Logger: logger}
	}
	if cfg.DefaultPriority == "" {
		cfg.DefaultPriority = queue.PriorityNormal
	}
	if cfg.EstimatedProcessing <= 0 {
		cfg.EstimatedProcessing = 30 * time.Second
	}
	return &Service{
		repo:      repo,
		ledger:    l,
		publisher: publisher,
		catalog:   cat,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput содержит параметры нового запроса на генерацию.
type CreateInput struct {
	UserID   string `json:"userId"`
	Model    string `json:"model"`
	Style    string `json:"style"`
	Color    string `json:"color"`
	Size     string `json:"size"`
	Prompt   string `json:"prompt"`
	Priority string `json:"priority,omitempty"`
}

// CreateResult содержит результат приёма запроса.
type CreateResult struct {
	RequestID           string                 `json:"generationRequestId"`
	Status              model.GenerationStatus `json:"status"`
	DeductedCredits     int64                  `json:"deductedCredits"`
	RemainingCredits    int64                  `json:"remainingCredits"`
	EstimatedCompletion *time.Time             `json:"estimatedCompletionTime,omitempty"`
}

// CreateGenerationRequest проверяет параметры, резервирует кредиты и ставит задачу в очередь.
// Если задачу не удалось поставить, кредиты возвращаются, а ошибка несёт признак возврата.
func (s *Service) CreateGenerationRequest(ctx context.Context, in CreateInput) (*CreateResult, error) {
	params, priority, cost, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	u, err := s.repo.GetUser(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.NotFound("User not found: "+in.UserID, err)
		}
		return nil, apperr.New(apperr.TypeSystem, "failed to load user", err)
	}
	if u.CurrentCredits < cost {
		return nil, insufficient(cost, u.CurrentCredits, nil)
	}

	res, err := s.ledger.ReserveAndCreate(ctx, in.UserID, cost, params)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			return nil, insufficient(cost, -1, err)
		case errors.Is(err, repository.ErrUserNotFound):
			return nil, apperr.NotFound("User not found: "+in.UserID, err)
		default:
			return nil, apperr.New(apperr.TypeSystem, "failed to reserve credits", err)
		}
	}
	req := res.Request
	log := s.logger.With(zap.String("request_id", req.ID), zap.String("user_id", in.UserID))

	if err := s.enqueue(ctx, queue.NewTask(req, priority)); err != nil {
		return nil, s.compensate(ctx, log, req, err)
	}

	status := model.StatusQueued
	if err := s.ledger.MarkQueued(ctx, req.ID); err != nil {
		log.Warn("failed to mark request queued", zap.Error(err))
		status = model.StatusPending
	}

	eta := s.now().Add(s.cfg.EstimatedProcessing)
	log.Info("generation request queued", zap.Int64("credits", cost), zap.String("priority", string(priority)))

	return &CreateResult{
		RequestID:           req.ID,
		Status:              status,
		DeductedCredits:     cost,
		RemainingCredits:    res.NewBalance,
		EstimatedCompletion: &eta,
	}, nil
}

func (s *Service) validate(in CreateInput) (model.GenerationParams, queue.Priority, int64, error) {
	var problems []string

	if !validation.IsValidUserID(in.UserID) {
		problems = append(problems, "invalid userId")
	}
	aiModel, err := model.ParseAIModel(in.Model)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if !validation.IsValidPrompt(in.Prompt) {
		problems = append(problems, fmt.Sprintf("prompt must be non-empty and at most %d characters", validation.MaxPromptLength))
	}
	if err := s.catalog.Validate(in.Style, in.Color, in.Size); err != nil {
		problems = append(problems, strings.Split(err.Error(), "\n")...)
	}

	priority := s.cfg.DefaultPriority
	if in.Priority != "" {
		p, err := queue.ParsePriority(in.Priority)
		if err != nil {
			problems = append(problems, err.Error())
		}
		priority = p
	}

	if len(problems) > 0 {
		return model.GenerationParams{}, "", 0, apperr.Validation("Invalid generation parameters: " + strings.Join(problems, "; "))
	}

	cost, ok := s.catalog.CreditCost(in.Size)
	if !ok || cost <= 0 {
		return model.GenerationParams{}, "", 0, apperr.Validation("Invalid image size: " + in.Size)
	}

	return model.GenerationParams{
		Model:  aiModel,
		Style:  in.Style,
		Color:  in.Color,
		Size:   in.Size,
		Prompt: strings.TrimSpace(in.Prompt),
	}, priority, cost, nil
}

func (s *Service) enqueue(ctx context.Context, task queue.Task) error {
	if s.cfg.EnqueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
		defer cancel()
	}
	return s.publisher.Enqueue(ctx, task)
}

// compensate возвращает кредиты за запрос, который не удалось поставить в очередь.
func (s *Service) compensate(ctx context.Context, log *zap.Logger, req *model.GenerationRequest, cause error) error {
	log.Warn("failed to enqueue generation task, refunding", zap.Error(cause))

	const reason = "Failed to queue generation task"
	// Исходный ctx мог истечь вместе с таймаутом очереди.
	refundCtx := context.WithoutCancel(ctx)

	_, err := s.ledger.Refund(refundCtx, req.UserID, req.ID, req.CreditsDeducted, reason)
	if err != nil {
		s.alerter.CreditsLost(refundCtx, req, reason, err)
		return apperr.WithRefund(apperr.TypeCriticalSystemError,
			"Failed to queue generation request and the refund failed", false, errors.Join(cause, err))
	}

	return apperr.WithRefund(apperr.TypeQueueFailure,
		"Failed to queue generation request. Credits have been refunded.", true, cause)
}

func insufficient(required, available int64, err error) error {
	msg := fmt.Sprintf("Insufficient credits. Required: %d", required)
	if available >= 0 {
		msg += fmt.Sprintf(", Available: %d", available)
	}
	return apperr.New(apperr.TypeInsufficientCredits, msg, err)
}

// GenerationStatus описывает состояние запроса для клиента.
type GenerationStatus struct {
	RequestID           string                 `json:"generationRequestId"`
	Status              model.GenerationStatus `json:"status"`
	ImageURL            string                 `json:"imageUrl,omitempty"`
	ErrorMessage        string                 `json:"errorMessage,omitempty"`
	Progress            float64                `json:"progress"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
	CompletedAt         *time.Time             `json:"completedAt,omitempty"`
	EstimatedCompletion *time.Time             `json:"estimatedCompletionTime,omitempty"`
}

// GetGenerationStatus возвращает состояние запроса на генерацию.
func (s *Service) GetGenerationStatus(ctx context.Context, requestID string) (*GenerationStatus, error) {
	if !validation.IsValidRequestID(requestID) {
		return nil, apperr.Validation("invalid generation request id")
	}

	req, err := s.repo.GetGenerationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			return nil, apperr.NotFound("Generation request not found: "+requestID, err)
		}
		return nil, apperr.New(apperr.TypeSystem, "failed to load generation request", err)
	}

	st := &GenerationStatus{
		RequestID:    req.ID,
		Status:       req.Status,
		ImageURL:     req.ImageURL,
		ErrorMessage: req.ErrorMessage,
		Progress:     req.Status.Progress(),
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
		CompletedAt:  req.CompletedAt,
	}
	if req.Status == model.StatusQueued || req.Status == model.StatusProcessing {
		eta := req.UpdatedAt.Add(s.cfg.EstimatedProcessing)
		if now := s.now(); eta.Before(now) {
			eta = now
		}
		st.EstimatedCompletion = &eta
	}
	return st, nil
}

// GetUserCredits возвращает баланс пользователя и историю операций, новые первыми.
func (s *Service) GetUserCredits(ctx context.Context, userID string) (*model.UserCredits, error) {
	if !validation.IsValidUserID(userID) {
		return nil, apperr.Validation("invalid user id")
	}

	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.NotFound("User not found: "+userID, err)
		}
		return nil, apperr.New(apperr.TypeSystem, "failed to load user", err)
	}

	txs, err := s.repo.GetTransactionsByUser(ctx, userID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, apperr.New(apperr.TypeSystem, "failed to load transactions", err)
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	return &model.UserCredits{
		UserID:         u.ID,
		CurrentCredits: u.CurrentCredits,
		Transactions:   txs,
	}, nil
}

// Options возвращает допустимые параметры генерации.
func (s *Service) Options() catalog.Options {
	return s.catalog.Options()
}
