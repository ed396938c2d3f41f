// Package queue доставляет задачи генерации от приёма запроса до воркера.
// Доставка как минимум однократная: обработчик должен быть идемпотентным.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

var (
	// ErrQueueFull возвращается, если очередь не может принять задачу.
	ErrQueueFull = errors.New("queue is full")
	// ErrInvalidTask возвращается для задачи без обязательных полей.
	ErrInvalidTask = errors.New("invalid task")
)

// Priority задаёт приоритет задачи.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities возвращает приоритеты от высшего к низшему.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

// ParsePriority преобразует строку в Priority. Пустая строка даёт PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	case "":
		return PriorityNormal, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Task описывает задачу на генерацию одного изображения.
type Task struct {
	RequestID string        `json:"request_id"`
	UserID    string        `json:"user_id"`
	Model     model.AIModel `json:"model"`
	Style     string        `json:"style"`
	Color     string        `json:"color"`
	Size      string        `json:"size"`
	Prompt    string        `json:"prompt"`
	Priority  Priority      `json:"priority"`
}

// NewTask собирает задачу из созданного запроса.
func NewTask(req *model.GenerationRequest, priority Priority) Task {
	return Task{
		RequestID: req.ID,
		UserID:    req.UserID,
		Model:     req.Model,
		Style:     req.Style,
		Color:     req.Color,
		Size:      req.Size,
		Prompt:    req.Prompt,
		Priority:  priority,
	}
}

// Validate проверяет обязательные поля задачи.
func (t Task) Validate() error {
	if t.RequestID == "" || t.UserID == "" {
		return fmt.Errorf("%w: request_id and user_id are required", ErrInvalidTask)
	}
	if _, err := ParsePriority(string(t.Priority)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// Handler обрабатывает задачу. Ошибка означает, что задачу нужно доставить повторно.
type Handler func(ctx context.Context, task Task) error

// Publisher принимает задачи в очередь.
type Publisher interface {
	Enqueue(ctx context.Context, task Task) error
}

// Consumer вызывает handler для каждой доставленной задачи, пока не отменён ctx.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
