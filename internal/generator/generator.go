// Package generator содержит бэкенды генерации изображений: заглушку и HTTP-клиент.
package generator

import (
	"context"
	"errors"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

// ErrGenerationFailed возвращается, если бэкенд обработал запрос, но изображение не получено.
var ErrGenerationFailed = errors.New("generation failed")

// Input содержит параметры одной генерации.
type Input struct {
	RequestID string
	model.GenerationParams
}

// Result содержит результат успешной генерации.
type Result struct {
	ImageURL  string
	ModelUsed model.AIModel
}

// Backend выполняет генерацию изображения.
type Backend interface {
	Generate(ctx context.Context, in Input) (*Result, error)
}

// FailureError описывает отказ бэкенда с сообщением для пользователя.
type FailureError struct {
	Message string
}

func (e *FailureError) Error() string {
	return e.Message
}

// Unwrap позволяет проверять отказ через errors.Is(err, ErrGenerationFailed).
func (e *FailureError) Unwrap() error {
	return ErrGenerationFailed
}

// Reason возвращает сообщение, сохраняемое в запросе при отказе.
func Reason(err error) string {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Generation timed out"
	}
	return "System error: " + err.Error()
}
