// Package apperr описывает таксономию ошибок, видимых клиенту.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Type задаёт класс ошибки, определяющий политику повторов и код ответа.
type Type string

const (
	TypeValidation          Type = "validation"
	TypeNotFound            Type = "not_found"
	TypeInsufficientCredits Type = "insufficient_credits"
	TypeQueueFailure        Type = "queue_failure"
	TypeGenerationFailure   Type = "generation_failure"
	TypeCriticalSystemError Type = "critical_system_error"
	TypeSystem              Type = "system"
)

// Error описывает ошибку приложения с классом и признаком возврата кредитов.
type Error struct {
	Type    Type
	Message string
	// Refunded заполняется только для путей, где выполнялся компенсирующий возврат.
	Refunded *bool
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus возвращает HTTP-код для класса ошибки.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Type)
}

// StatusFor сопоставляет класс ошибки HTTP-коду.
func StatusFor(t Type) int {
	switch t {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeInsufficientCredits:
		return http.StatusPaymentRequired
	case TypeQueueFailure, TypeGenerationFailure:
		return http.StatusServiceUnavailable
	case TypeCriticalSystemError, TypeSystem:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New создаёт ошибку указанного класса.
func New(t Type, message string, err error) *Error {
	return &Error{Type: t, Message: message, Err: err}
}

// WithRefund создаёт ошибку с явным признаком возврата кредитов.
func WithRefund(t Type, message string, refunded bool, err error) *Error {
	return &Error{Type: t, Message: message, Refunded: &refunded, Err: err}
}

// Validation создаёт ошибку валидации.
func Validation(message string) *Error {
	return &Error{Type: TypeValidation, Message: message}
}

// NotFound создаёт ошибку отсутствия сущности.
func NotFound(message string, err error) *Error {
	return &Error{Type: TypeNotFound, Message: message, Err: err}
}

// TypeOf возвращает класс ошибки; неизвестные ошибки считаются системными.
func TypeOf(err error) Type {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeSystem
}
