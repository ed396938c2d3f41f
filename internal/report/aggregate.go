// Package report формирует еженедельные отчёты об использовании сервиса.
package report

import (
	"math"
	"sort"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

// Aggregate вычисляет статистику по запросам и операциям отчётного окна.
// Результат зависит только от входных данных.
func Aggregate(period model.ReportPeriod, requests []model.GenerationRequest, txs []model.Transaction) model.WeeklyStats {
	return model.WeeklyStats{
		Period:           period,
		Generation:       generationStats(requests),
		Credits:          creditStats(txs),
		Users:            userStats(requests, txs),
		ModelPerformance: modelPerformance(requests),
	}
}

func generationStats(requests []model.GenerationRequest) model.GenerationStats {
	st := model.GenerationStats{
		TotalRequests:   len(requests),
		StatusBreakdown: map[string]int{},
		StyleBreakdown:  map[string]int{},
		SizeBreakdown:   map[string]int{},
	}

	for _, r := range requests {
		switch r.Status {
		case model.StatusCompleted:
			st.CompletedRequests++
		case model.StatusFailed:
			st.FailedRequests++
		case model.StatusPending, model.StatusQueued, model.StatusProcessing:
			st.PendingRequests++
		}
		st.StatusBreakdown[string(r.Status)]++
		st.StyleBreakdown[r.Style]++
		st.SizeBreakdown[r.Size]++
	}

	st.SuccessRate = percent(st.CompletedRequests, st.TotalRequests)
	st.FailureRate = percent(st.FailedRequests, st.TotalRequests)
	return st
}

func creditStats(txs []model.Transaction) model.CreditStats {
	st := model.CreditStats{TotalTransactions: len(txs)}

	for _, t := range txs {
		switch t.Type {
		case model.TransactionTypeDeduction:
			st.DeductionTransactions++
			st.TotalCreditsDeducted += abs(t.Credits)
		case model.TransactionTypeRefund:
			st.RefundTransactions++
			st.TotalCreditsRefunded += abs(t.Credits)
		}
	}

	st.NetCreditsConsumed = st.TotalCreditsDeducted - st.TotalCreditsRefunded
	if st.DeductionTransactions > 0 {
		st.AverageCreditsPerRequest = round2(float64(st.TotalCreditsDeducted) / float64(st.DeductionTransactions))
	}
	return st
}

func userStats(requests []model.GenerationRequest, txs []model.Transaction) model.UserStats {
	active := make(map[string]struct{})
	breakdown := make(map[string]int)

	for _, r := range requests {
		if r.UserID == "" {
			continue
		}
		active[r.UserID] = struct{}{}
		breakdown[r.UserID]++
	}
	for _, t := range txs {
		if t.UserID != "" {
			active[t.UserID] = struct{}{}
		}
	}

	users := make([]string, 0, len(active))
	for id := range active {
		users = append(users, id)
	}
	sort.Strings(users)

	st := model.UserStats{
		ActiveUsersCount:     len(users),
		ActiveUsers:          users,
		UserRequestBreakdown: breakdown,
	}
	if len(users) > 0 {
		st.AverageRequestsPerUser = round2(float64(len(requests)) / float64(len(users)))
	}
	return st
}

func modelPerformance(requests []model.GenerationRequest) map[model.AIModel]model.ModelPerformance {
	perf := make(map[model.AIModel]model.ModelPerformance)

	for _, r := range requests {
		p := perf[r.Model]
		p.TotalRequests++
		switch r.Status {
		case model.StatusCompleted:
			p.Completed++
		case model.StatusFailed:
			p.Failed++
		}
		perf[r.Model] = p
	}

	for m, p := range perf {
		p.SuccessRate = percent(p.Completed, p.TotalRequests)
		p.FailureRate = percent(p.Failed, p.TotalRequests)
		perf[m] = p
	}
	return perf
}

// MostPopular возвращает ключ с наибольшим счётчиком; при равенстве выбирается
// лексикографически меньший. Для пустой разбивки возвращается "none".
func MostPopular(breakdown map[string]int) string {
	best, bestCount := "none", 0
	for k, v := range breakdown {
		if v > bestCount || (v == bestCount && v > 0 && k < best) {
			best, bestCount = k, v
		}
	}
	return best
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
