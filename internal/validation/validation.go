// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxUserIDLength = 128
	// MaxPromptLength ограничивает длину текстового описания в символах.
	MaxPromptLength = 1000
)

// IsValidUserID проверяет идентификатор пользователя: непустой, без пробелов и управляющих символов.
func IsValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLength {
		return false
	}
	for _, ch := range id {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) || ch == '/' {
			return false
		}
	}
	return true
}

// IsValidRequestID проверяет, что идентификатор запроса является UUID.
func IsValidRequestID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// IsValidPrompt проверяет, что описание непустое и укладывается в лимит длины.
func IsValidPrompt(prompt string) bool {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return false
	}
	return utf8.RuneCountInString(trimmed) <= MaxPromptLength
}
