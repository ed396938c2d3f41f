package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

var t0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func newRepoWithUser(t *testing.T, credits int64) *MemoryRepository {
	t.Helper()
	r := NewMemoryRepository()
	require.NoError(t, r.CreateUser(context.Background(), &model.User{ID: "u1", CurrentCredits: credits, CreatedAt: t0}))
	return r
}

func TestMemoryRunInTxCommits(t *testing.T) {
	r := newRepoWithUser(t, 10)
	ctx := context.Background()

	err := r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.GetUserForUpdate(ctx, "u1")
		if err != nil {
			return err
		}
		if err := tx.UpdateUserCredits(ctx, "u1", u.CurrentCredits-3, t0); err != nil {
			return err
		}
		if err := tx.InsertGenerationRequest(ctx, &model.GenerationRequest{
			ID: "r1", UserID: "u1", Status: model.StatusPending, CreditsDeducted: 3, CreatedAt: t0,
		}); err != nil {
			return err
		}

		staged, err := tx.GetUserForUpdate(ctx, "u1")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(7), staged.CurrentCredits)

		return tx.InsertTransaction(ctx, &model.Transaction{
			ID: "t1", UserID: "u1", Type: model.TransactionTypeDeduction, Credits: 3, GenerationRequestID: "r1", Timestamp: t0,
		})
	})
	require.NoError(t, err)

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.CurrentCredits)

	req, err := r.GetGenerationRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, req.Status)

	txs, err := r.GetTransactionsByUser(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMemoryRunInTxRollsBack(t *testing.T) {
	r := newRepoWithUser(t, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.UpdateUserCredits(ctx, "u1", 0, t0); err != nil {
			return err
		}
		if err := tx.InsertGenerationRequest(ctx, &model.GenerationRequest{ID: "r1", UserID: "u1", CreditsDeducted: 10}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.CurrentCredits)

	_, err = r.GetGenerationRequest(ctx, "r1")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestMemoryRunInTxCancelledContext(t *testing.T) {
	r := newRepoWithUser(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryDuplicateTransaction(t *testing.T) {
	r := newRepoWithUser(t, 10)
	ctx := context.Background()

	insert := func(id string) error {
		return r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.GetGenerationRequestForUpdate(ctx, "r1"); errors.Is(err, ErrRequestNotFound) {
				if err := tx.InsertGenerationRequest(ctx, &model.GenerationRequest{ID: "r1", UserID: "u1", CreditsDeducted: 1}); err != nil {
					return err
				}
			}
			return tx.InsertTransaction(ctx, &model.Transaction{
				ID: id, UserID: "u1", Type: model.TransactionTypeRefund, Credits: 1, GenerationRequestID: "r1",
			})
		})
	}

	require.NoError(t, insert("t1"))
	assert.ErrorIs(t, insert("t2"), ErrDuplicateTransaction)
}

func TestMemoryUnknownTransactionTypeRejected(t *testing.T) {
	r := newRepoWithUser(t, 10)
	ctx := context.Background()

	err := r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertGenerationRequest(ctx, &model.GenerationRequest{ID: "r1", UserID: "u1", CreditsDeducted: 1}); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{
			ID: "t1", UserID: "u1", Type: model.TransactionType("bonus"), Credits: 5, GenerationRequestID: "r1",
		})
	})
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = r.GetGenerationRequest(ctx, "r1")
	assert.ErrorIs(t, err, ErrRequestNotFound, "rolled back transaction must not leave the request behind")
}

func TestMemoryNegativeBalanceRejected(t *testing.T) {
	r := newRepoWithUser(t, 1)

	err := r.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.UpdateUserCredits(ctx, "u1", -1, t0)
	})
	assert.Error(t, err)
}

func TestMemoryWindowQueries(t *testing.T) {
	r := newRepoWithUser(t, 100)
	ctx := context.Background()

	times := []time.Time{t0.Add(-time.Hour), t0, t0.Add(24 * time.Hour), t0.Add(7 * 24 * time.Hour)}
	err := r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		for i, at := range times {
			id := string(rune('a' + i))
			if err := tx.InsertGenerationRequest(ctx, &model.GenerationRequest{ID: id, UserID: "u1", CreditsDeducted: 1, CreatedAt: at}); err != nil {
				return err
			}
			if err := tx.InsertTransaction(ctx, &model.Transaction{
				ID: "t" + id, UserID: "u1", Type: model.TransactionTypeDeduction, Credits: 1, GenerationRequestID: id, Timestamp: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	from, to := t0, t0.Add(7*24*time.Hour)

	reqs, err := r.GetGenerationRequestsBetween(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "b", reqs[0].ID)
	assert.Equal(t, "c", reqs[1].ID)

	txs, err := r.GetTransactionsBetween(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	latest, err := r.GetTransactionsByUser(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "td", latest[0].ID)
	assert.Equal(t, "tc", latest[1].ID)
}

func TestMemoryReports(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	_, err := r.GetLatestReportBefore(ctx, t0)
	require.ErrorIs(t, err, ErrReportNotFound)

	week := 7 * 24 * time.Hour
	first := &model.WeeklyReport{ID: "weekly_report_2024_02_26", GeneratedAt: t0.Add(-week)}
	first.Period = model.ReportPeriod{StartDate: t0.Add(-2 * week), EndDate: t0.Add(-week)}
	second := &model.WeeklyReport{ID: "weekly_report_2024_03_04", GeneratedAt: t0}
	second.Period = model.ReportPeriod{StartDate: t0.Add(-week), EndDate: t0}

	require.NoError(t, r.SaveReport(ctx, first))
	require.NoError(t, r.SaveReport(ctx, second))
	assert.ErrorIs(t, r.SaveReport(ctx, second), ErrReportExists)

	got, err := r.GetLatestReportBefore(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = r.GetLatestReportBefore(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = r.GetReport(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Period, got.Period)
}

func TestMemoryConcurrentTransactionsSerialize(t *testing.T) {
	r := newRepoWithUser(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
				u, err := tx.GetUserForUpdate(ctx, "u1")
				if err != nil {
					return err
				}
				return tx.UpdateUserCredits(ctx, "u1", u.CurrentCredits+1, t0)
			})
		}()
	}
	wg.Wait()

	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.CurrentCredits)
}

func TestSeedUsers(t *testing.T) {
	seeds, err := ParseSeeds([]string{"alice:100", " bob:5 ", ""})
	require.NoError(t, err)
	require.Equal(t, []Seed{{UserID: "alice", Credits: 100}, {UserID: "bob", Credits: 5}}, seeds)

	r := NewMemoryRepository()
	n, err := SeedUsers(context.Background(), r, seeds, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = SeedUsers(context.Background(), r, seeds, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = ParseSeeds([]string{"broken"})
	assert.Error(t, err)
	_, err = ParseSeeds([]string{"alice:-1"})
	assert.Error(t, err)
}
