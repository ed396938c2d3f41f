package model

import "fmt"

// GenerationStatus описывает состояние запроса на генерацию.
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusQueued     GenerationStatus = "queued"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
	StatusCancelled  GenerationStatus = "cancelled"
)

// ParseGenerationStatus преобразует строку из хранилища в GenerationStatus.
func ParseGenerationStatus(s string) (GenerationStatus, error) {
	st := GenerationStatus(s)
	switch st {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown generation status %q", s)
	}
}

// IsTerminal сообщает, что из состояния больше нет переходов.
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusQueued, StatusProcessing:
		return false
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода s -> next.
//
// pending -> processing допускается: воркер может получить задачу раньше,
// чем запрос будет помечен как queued.
func (s GenerationStatus) CanTransitionTo(next GenerationStatus) bool {
	switch s {
	case StatusPending:
		switch next {
		case StatusQueued, StatusProcessing, StatusFailed, StatusCancelled:
			return true
		}
	case StatusQueued:
		switch next {
		case StatusProcessing, StatusFailed, StatusCancelled:
			return true
		}
	case StatusProcessing:
		switch next {
		case StatusCompleted, StatusFailed:
			return true
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

// Progress возвращает примерный процент выполнения для отображения клиенту.
func (s GenerationStatus) Progress() float64 {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 10
	case StatusProcessing:
		return 50
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 100
	default:
		return 0
	}
}
