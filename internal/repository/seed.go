package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

type userCreator interface {
	CreateUser(ctx context.Context, u *model.User) error
}

// ParseSeeds разбирает записи вида "user_id:credits".
func ParseSeeds(raw []string) ([]Seed, error) {
	seeds := make([]Seed, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, creditsStr, ok := strings.Cut(item, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid seed %q: want user_id:credits", item)
		}
		credits, err := strconv.ParseInt(creditsStr, 10, 64)
		if err != nil || credits < 0 {
			return nil, fmt.Errorf("invalid seed %q: credits must be a non-negative integer", item)
		}
		seeds = append(seeds, Seed{UserID: id, Credits: credits})
	}
	return seeds, nil
}

// SeedUsers создаёт пользователей, которых ещё нет в хранилище.
func SeedUsers(ctx context.Context, repo userCreator, seeds []Seed, now time.Time) (int, error) {
	created := 0
	for _, s := range seeds {
		err := repo.CreateUser(ctx, &model.User{
			ID:             s.UserID,
			Name:           s.UserID,
			CurrentCredits: s.Credits,
			TotalCredits:   s.Credits,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if errors.Is(err, ErrUserExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed user %s: %w", s.UserID, err)
		}
		created++
	}
	return created, nil
}
