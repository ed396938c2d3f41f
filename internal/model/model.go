// Package model содержит доменные сущности сервиса генерации изображений.
package model

import (
	"fmt"
	"time"
)

// AIModel описывает модель, выполняющую генерацию изображения.
type AIModel string

const (
	ModelA AIModel = "Model A"
	ModelB AIModel = "Model B"
)

// AllModels возвращает все поддерживаемые модели в фиксированном порядке.
func AllModels() []AIModel {
	return []AIModel{ModelA, ModelB}
}

// Valid сообщает, входит ли модель в закрытый список.
func (m AIModel) Valid() bool {
	switch m {
	case ModelA, ModelB:
		return true
	default:
		return false
	}
}

// ParseAIModel преобразует строку в AIModel.
func ParseAIModel(s string) (AIModel, error) {
	m := AIModel(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown model %q", s)
	}
	return m, nil
}

// TransactionType описывает тип операции над балансом.
type TransactionType string

const (
	TransactionTypeDeduction TransactionType = "deduction"
	TransactionTypeRefund    TransactionType = "refund"
)

// Valid сообщает, входит ли тип операции в закрытый список.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeduction, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

// User представляет владельца кредитного баланса.
type User struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Email                string    `json:"email"`
	CurrentCredits       int64     `json:"current_credits"`
	TotalCredits         int64     `json:"total_credits"`
	TotalImagesGenerated int64     `json:"total_images_generated"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// GenerationParams содержит параметры генерации, выбранные клиентом.
type GenerationParams struct {
	Model  AIModel `json:"model"`
	Style  string  `json:"style"`
	Color  string  `json:"color"`
	Size   string  `json:"size"`
	Prompt string  `json:"prompt"`
}

// GenerationRequest описывает запрос на генерацию и его жизненный цикл.
// CreditsDeducted фиксируется при создании и больше не меняется.
type GenerationRequest struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	GenerationParams
	Status          GenerationStatus `json:"status"`
	CreditsDeducted int64            `json:"credits_deducted"`
	ImageURL        string           `json:"image_url,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Transaction описывает неизменяемую запись журнала операций пользователя.
type Transaction struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Type                TransactionType `json:"type"`
	Credits             int64           `json:"credits"`
	GenerationRequestID string          `json:"generation_request_id"`
	Timestamp           time.Time       `json:"timestamp"`
	Description         string          `json:"description"`
}

// UserCredits содержит текущий баланс и историю операций пользователя.
type UserCredits struct {
	UserID         string        `json:"user_id"`
	CurrentCredits int64         `json:"current_credits"`
	Transactions   []Transaction `json:"transactions"`
}
