package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Транзакции сериализуются
// общим мьютексом, изменения применяются только при успешном завершении TxFunc.
type MemoryRepository struct {
	mu           sync.Mutex
	users        map[string]model.User
	requests     map[string]model.GenerationRequest
	transactions []model.Transaction
	reports      map[string]model.WeeklyReport
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[string]model.User),
		requests: make(map[string]model.GenerationRequest),
		reports:  make(map[string]model.WeeklyReport),
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// RunInTx выполняет fn атомарно. Внутри fn нельзя вызывать другие методы репозитория.
func (r *MemoryRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		repo:     r,
		users:    make(map[string]model.User),
		requests: make(map[string]model.GenerationRequest),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for id, u := range tx.users {
		r.users[id] = u
	}
	for id, req := range tx.requests {
		r.requests[id] = req
	}
	r.transactions = append(r.transactions, tx.transactions...)
	return nil
}

// CreateUser создаёт пользователя.
func (r *MemoryRepository) CreateUser(ctx context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[u.ID]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
	}
	r.users[u.ID] = *u
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// GetGenerationRequest возвращает запрос на генерацию по идентификатору.
func (r *MemoryRepository) GetGenerationRequest(ctx context.Context, requestID string) (*model.GenerationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(req), nil
}

// GetTransactionsByUser возвращает операции пользователя, новые первыми.
// limit <= 0 означает без ограничения.
func (r *MemoryRepository) GetTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		t := r.transactions[i]
		if t.UserID != userID {
			continue
		}
		res = append(res, t)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.After(res[j].Timestamp) })
	return res, nil
}

// GetGenerationRequestsBetween возвращает запросы, созданные в [from, to), по возрастанию времени.
func (r *MemoryRepository) GetGenerationRequestsBetween(ctx context.Context, from, to time.Time) ([]model.GenerationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.GenerationRequest
	for _, req := range r.requests {
		if inWindow(req.CreatedAt, from, to) {
			res = append(res, *copyRequest(req))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// GetTransactionsBetween возвращает операции с отметкой времени в [from, to), по возрастанию времени.
func (r *MemoryRepository) GetTransactionsBetween(ctx context.Context, from, to time.Time) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for _, t := range r.transactions {
		if inWindow(t.Timestamp, from, to) {
			res = append(res, t)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

// SaveReport сохраняет отчёт. Сохранённый отчёт не перезаписывается.
func (r *MemoryRepository) SaveReport(ctx context.Context, report *model.WeeklyReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reports[report.ID]; ok {
		return fmt.Errorf("%w: %s", ErrReportExists, report.ID)
	}
	r.reports[report.ID] = *report
	return nil
}

// GetReport возвращает отчёт по идентификатору.
func (r *MemoryRepository) GetReport(ctx context.Context, id string) (*model.WeeklyReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep, ok := r.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return &rep, nil
}

// GetLatestReportBefore возвращает отчёт с наибольшим концом периода, строго меньшим before.
func (r *MemoryRepository) GetLatestReportBefore(ctx context.Context, before time.Time) (*model.WeeklyReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.WeeklyReport
	for id := range r.reports {
		rep := r.reports[id]
		if !rep.Period.EndDate.Before(before) {
			continue
		}
		if latest == nil || rep.Period.EndDate.After(latest.Period.EndDate) ||
			(rep.Period.EndDate.Equal(latest.Period.EndDate) && rep.GeneratedAt.After(latest.GeneratedAt)) {
			latest = &rep
		}
	}
	if latest == nil {
		return nil, ErrReportNotFound
	}
	return latest, nil
}

type memoryTx struct {
	repo         *MemoryRepository
	users        map[string]model.User
	requests     map[string]model.GenerationRequest
	transactions []model.Transaction
}

func (tx *memoryTx) user(userID string) (model.User, bool) {
	if u, ok := tx.users[userID]; ok {
		return u, true
	}
	u, ok := tx.repo.users[userID]
	return u, ok
}

func (tx *memoryTx) request(requestID string) (model.GenerationRequest, bool) {
	if req, ok := tx.requests[requestID]; ok {
		return req, true
	}
	req, ok := tx.repo.requests[requestID]
	return req, ok
}

func (tx *memoryTx) GetUserForUpdate(ctx context.Context, userID string) (*model.User, error) {
	u, ok := tx.user(userID)
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (tx *memoryTx) UpdateUserCredits(ctx context.Context, userID string, credits int64, at time.Time) error {
	u, ok := tx.user(userID)
	if !ok {
		return ErrUserNotFound
	}
	if credits < 0 {
		return fmt.Errorf("update user credits: negative balance %d", credits)
	}
	u.CurrentCredits = credits
	u.UpdatedAt = at
	tx.users[userID] = u
	return nil
}

func (tx *memoryTx) IncrementImagesGenerated(ctx context.Context, userID string, at time.Time) error {
	u, ok := tx.user(userID)
	if !ok {
		return ErrUserNotFound
	}
	u.TotalImagesGenerated++
	u.UpdatedAt = at
	tx.users[userID] = u
	return nil
}

func (tx *memoryTx) GetGenerationRequestForUpdate(ctx context.Context, requestID string) (*model.GenerationRequest, error) {
	req, ok := tx.request(requestID)
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(req), nil
}

func (tx *memoryTx) InsertGenerationRequest(ctx context.Context, req *model.GenerationRequest) error {
	if _, ok := tx.request(req.ID); ok {
		return fmt.Errorf("%w: %s", ErrRequestExists, req.ID)
	}
	if _, ok := tx.user(req.UserID); !ok {
		return ErrUserNotFound
	}
	tx.requests[req.ID] = *copyRequest(*req)
	return nil
}

func (tx *memoryTx) UpdateGenerationRequest(ctx context.Context, req *model.GenerationRequest) error {
	if _, ok := tx.request(req.ID); !ok {
		return ErrRequestNotFound
	}
	tx.requests[req.ID] = *copyRequest(*req)
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTransaction, t.Type)
	}
	if _, ok := tx.request(t.GenerationRequestID); !ok {
		return ErrRequestNotFound
	}
	for _, list := range [][]model.Transaction{tx.repo.transactions, tx.transactions} {
		for _, existing := range list {
			if existing.GenerationRequestID == t.GenerationRequestID && existing.Type == t.Type {
				return fmt.Errorf("%w: %s %s", ErrDuplicateTransaction, t.Type, t.GenerationRequestID)
			}
		}
	}
	tx.transactions = append(tx.transactions, *t)
	return nil
}

func copyRequest(req model.GenerationRequest) *model.GenerationRequest {
	if req.CompletedAt != nil {
		at := *req.CompletedAt
		req.CompletedAt = &at
	}
	return &req
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
