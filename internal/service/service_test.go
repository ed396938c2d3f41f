package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/apperr"
	"github.com/mmeshcher/imagegen-system/internal/catalog"
	"github.com/mmeshcher/imagegen-system/internal/ledger"
	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/queue"
	"github.com/mmeshcher/imagegen-system/internal/repository"
)

type stubPublisher struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (p *stubPublisher) Enqueue(ctx context.Context, task queue.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

type refundFailingLedger struct {
	*ledger.Ledger
}

func (refundFailingLedger) Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (int64, error) {
	return 0, errors.New("store unavailable")
}

type recordingAlerter struct {
	calls []string
}

func (a *recordingAlerter) CreditsLost(ctx context.Context, req *model.GenerationRequest, reason string, err error) {
	a.calls = append(a.calls, req.ID)
}

type fixture struct {
	repo   *repository.MemoryRepository
	ledger *ledger.Ledger
	pub    *stubPublisher
	svc    *Service
}

func newFixture(t *testing.T, credits int64) *fixture {
	t.Helper()

	repo := repository.NewMemoryRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.CreateUser(context.Background(), &model.User{
		ID: "u1", CurrentCredits: credits, TotalCredits: credits, CreatedAt: now, UpdatedAt: now,
	}))

	l := ledger.New(repo, ledger.Config{TxTimeout: time.Second}, zap.NewNop())
	pub := &stubPublisher{}
	svc := NewService(repo, l, pub, catalog.Default(), nil, Config{
		EnqueueTimeout:      time.Second,
		EstimatedProcessing: 30 * time.Second,
		HistoryLimit:        50,
	}, zap.NewNop())

	return &fixture{repo: repo, ledger: l, pub: pub, svc: svc}
}

func validInput() CreateInput {
	return CreateInput{
		UserID: "u1",
		Model:  "Model A",
		Style:  "anime",
		Color:  "vibrant",
		Size:   "1024x1024",
		Prompt: "a cat riding a bike",
	}
}

func TestCreateGenerationRequestSuccess(t *testing.T) {
	f := newFixture(t, 10)

	res, err := f.svc.CreateGenerationRequest(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, model.StatusQueued, res.Status)
	assert.Equal(t, int64(3), res.DeductedCredits)
	assert.Equal(t, int64(7), res.RemainingCredits)
	require.NotNil(t, res.EstimatedCompletion)

	require.Len(t, f.pub.tasks, 1)
	task := f.pub.tasks[0]
	assert.Equal(t, res.RequestID, task.RequestID)
	assert.Equal(t, queue.PriorityNormal, task.Priority)

	req, err := f.repo.GetGenerationRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, req.Status)

	txs, err := f.repo.GetTransactionsByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TransactionTypeDeduction, txs[0].Type)
	assert.Equal(t, int64(-3), txs[0].Credits)
}

func TestCreateGenerationRequestInsufficientCredits(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.svc.CreateGenerationRequest(context.Background(), validInput())
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.TypeInsufficientCredits, appErr.Type)
	assert.Equal(t, "Insufficient credits. Required: 3, Available: 2", appErr.Message)
	assert.Empty(t, f.pub.tasks)

	u, err := f.repo.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.CurrentCredits)
}

func TestCreateGenerationRequestQueueFailureRefunds(t *testing.T) {
	f := newFixture(t, 10)
	f.pub.err = queue.ErrQueueFull

	_, err := f.svc.CreateGenerationRequest(context.Background(), validInput())
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.TypeQueueFailure, appErr.Type)
	require.NotNil(t, appErr.Refunded)
	assert.True(t, *appErr.Refunded)
	assert.ErrorIs(t, err, queue.ErrQueueFull)

	u, err := f.repo.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.CurrentCredits)

	txs, err := f.repo.GetTransactionsByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TransactionTypeRefund, txs[0].Type)
	assert.Equal(t, int64(3), txs[0].Credits)
	assert.Equal(t, "Refund for failed generation: Failed to queue generation task", txs[0].Description)

	req, err := f.repo.GetGenerationRequest(context.Background(), txs[0].GenerationRequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, req.Status)
}

func TestCreateGenerationRequestRefundFailureIsCritical(t *testing.T) {
	f := newFixture(t, 10)
	f.pub.err = errors.New("broker down")
	alerter := &recordingAlerter{}
	f.svc = NewService(f.repo, refundFailingLedger{f.ledger}, f.pub, catalog.Default(), alerter, f.svc.cfg, zap.NewNop())

	_, err := f.svc.CreateGenerationRequest(context.Background(), validInput())

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.TypeCriticalSystemError, appErr.Type)
	require.NotNil(t, appErr.Refunded)
	assert.False(t, *appErr.Refunded)
	assert.Len(t, alerter.calls, 1)
}

func TestCreateGenerationRequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *CreateInput)
	}{
		{name: "empty user", mutate: func(in *CreateInput) { in.UserID = "" }},
		{name: "unknown model", mutate: func(in *CreateInput) { in.Model = "Model C" }},
		{name: "unknown style", mutate: func(in *CreateInput) { in.Style = "cubism" }},
		{name: "unknown color", mutate: func(in *CreateInput) { in.Color = "gold" }},
		{name: "unknown size", mutate: func(in *CreateInput) { in.Size = "2x2" }},
		{name: "blank prompt", mutate: func(in *CreateInput) { in.Prompt = "   " }},
		{name: "unknown priority", mutate: func(in *CreateInput) { in.Priority = "urgent" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			in := validInput()
			tt.mutate(&in)

			_, err := f.svc.CreateGenerationRequest(context.Background(), in)
			assert.Equal(t, apperr.TypeValidation, apperr.TypeOf(err))
			assert.Empty(t, f.pub.tasks)
		})
	}
}

func TestCreateGenerationRequestUnknownUser(t *testing.T) {
	f := newFixture(t, 10)
	in := validInput()
	in.UserID = "ghost"

	_, err := f.svc.CreateGenerationRequest(context.Background(), in)
	assert.Equal(t, apperr.TypeNotFound, apperr.TypeOf(err))
}

func TestCreateGenerationRequestPriority(t *testing.T) {
	f := newFixture(t, 10)
	in := validInput()
	in.Priority = "high"

	_, err := f.svc.CreateGenerationRequest(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, f.pub.tasks, 1)
	assert.Equal(t, queue.PriorityHigh, f.pub.tasks[0].Priority)
}

func TestGetGenerationStatus(t *testing.T) {
	f := newFixture(t, 10)
	res, err := f.svc.CreateGenerationRequest(context.Background(), validInput())
	require.NoError(t, err)

	st, err := f.svc.GetGenerationStatus(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, st.Status)
	assert.InDelta(t, 10.0, st.Progress, 0.001)
	require.NotNil(t, st.EstimatedCompletion)

	_, err = f.ledger.MarkProcessing(context.Background(), res.RequestID)
	require.NoError(t, err)
	_, err = f.ledger.Complete(context.Background(), res.RequestID, "https://img.example/1.png")
	require.NoError(t, err)

	st, err = f.svc.GetGenerationStatus(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Equal(t, "https://img.example/1.png", st.ImageURL)
	assert.InDelta(t, 100.0, st.Progress, 0.001)
	assert.Nil(t, st.EstimatedCompletion)
	assert.NotNil(t, st.CompletedAt)
}

func TestGetGenerationStatusErrors(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.svc.GetGenerationStatus(context.Background(), "not-a-uuid")
	assert.Equal(t, apperr.TypeValidation, apperr.TypeOf(err))

	_, err = f.svc.GetGenerationStatus(context.Background(), "6f1c1e9e-8d55-4a8f-9a43-3f0a4f1b2c3d")
	assert.Equal(t, apperr.TypeNotFound, apperr.TypeOf(err))
}

func TestGetUserCredits(t *testing.T) {
	f := newFixture(t, 10)
	for range 2 {
		_, err := f.svc.CreateGenerationRequest(context.Background(), validInput())
		require.NoError(t, err)
	}

	uc, err := f.svc.GetUserCredits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), uc.CurrentCredits)
	require.Len(t, uc.Transactions, 2)
	assert.False(t, uc.Transactions[0].Timestamp.Before(uc.Transactions[1].Timestamp))

	_, err = f.svc.GetUserCredits(context.Background(), "ghost")
	assert.Equal(t, apperr.TypeNotFound, apperr.TypeOf(err))
}

func TestGetUserCreditsEmptyHistory(t *testing.T) {
	f := newFixture(t, 5)

	uc, err := f.svc.GetUserCredits(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, uc.Transactions)
	assert.Empty(t, uc.Transactions)
}
