// Package repository содержит хранилища данных сервиса: PostgreSQL и in-memory.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists возвращается при повторном создании пользователя.
	ErrUserExists = errors.New("user already exists")
	// ErrRequestNotFound возвращается, если запрос на генерацию не найден.
	ErrRequestNotFound = errors.New("generation request not found")
	// ErrRequestExists возвращается при повторной вставке запроса с тем же идентификатором.
	ErrRequestExists = errors.New("generation request already exists")
	// ErrDuplicateTransaction возвращается при второй операции того же типа для одного запроса.
	ErrDuplicateTransaction = errors.New("transaction of this type already recorded for request")
	// ErrInvalidTransaction возвращается для операции неизвестного типа.
	ErrInvalidTransaction = errors.New("invalid transaction type")
	// ErrReportNotFound возвращается, если отчёт не найден.
	ErrReportNotFound = errors.New("report not found")
	// ErrReportExists возвращается при повторном сохранении отчёта.
	ErrReportExists = errors.New("report already exists")
)

// Tx описывает операции, выполняемые внутри одной атомарной транзакции.
// Методы *ForUpdate блокируют прочитанную запись до конца транзакции.
type Tx interface {
	GetUserForUpdate(ctx context.Context, userID string) (*model.User, error)
	UpdateUserCredits(ctx context.Context, userID string, credits int64, at time.Time) error
	IncrementImagesGenerated(ctx context.Context, userID string, at time.Time) error
	GetGenerationRequestForUpdate(ctx context.Context, requestID string) (*model.GenerationRequest, error)
	InsertGenerationRequest(ctx context.Context, req *model.GenerationRequest) error
	UpdateGenerationRequest(ctx context.Context, req *model.GenerationRequest) error
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}

// TxFunc выполняется внутри транзакции. Возврат ошибки откатывает все изменения.
// Функция может быть вызвана повторно при конфликте сериализации.
type TxFunc func(ctx context.Context, tx Tx) error

// Seed описывает пользователя, создаваемого при старте.
type Seed struct {
	UserID  string
	Credits int64
}
