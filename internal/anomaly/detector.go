package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

const (
	weightLow    = 1.0
	weightMedium = 2.5
	weightHigh   = 5.0
)

// NoBaselineWarning выставляется, когда предыдущего отчёта нет.
const NoBaselineWarning = "no baseline report available; comparative rules skipped"

// Baseline описывает отчёт, с которым сравнивается текущий период.
type Baseline struct {
	ReportID string
	Stats    model.WeeklyStats
}

// Detector применяет правила обнаружения аномалий. Безопасен для конкурентного использования.
type Detector struct {
	th Thresholds
}

// NewDetector создаёт детектор с указанными порогами.
func NewDetector(th Thresholds) *Detector {
	return &Detector{th: th}
}

// Thresholds возвращает пороги детектора.
func (d *Detector) Thresholds() Thresholds {
	return d.th
}

// Analyze сравнивает текущий период с базовым. При baseline == nil
// применяются только правила, не требующие истории.
func (d *Detector) Analyze(current model.WeeklyStats, baseline *Baseline) model.AnomalyAnalysis {
	var (
		prev        model.WeeklyStats
		hasBaseline = baseline != nil
		out         model.AnomalyAnalysis
	)
	if hasBaseline {
		prev = baseline.Stats
		out.BaselineReportID = baseline.ReportID
	} else {
		out.Warning = NoBaselineWarning
	}

	var findings []model.AnomalyFinding
	findings = append(findings, d.volume(current, prev, hasBaseline)...)
	findings = append(findings, d.users(current, prev, hasBaseline)...)
	findings = append(findings, d.failures(current, prev, hasBaseline)...)
	findings = append(findings, d.models(current, prev, hasBaseline)...)

	if findings == nil {
		findings = []model.AnomalyFinding{}
	}
	out.DetectedAnomalies = findings
	out.TotalAnomalies = len(findings)
	out.AnomalyScore = Score(findings)
	out.SeverityLevel = LevelFor(out.AnomalyScore)
	return out
}

// Score суммирует веса найденных аномалий.
func Score(findings []model.AnomalyFinding) float64 {
	var s float64
	for _, f := range findings {
		switch f.Severity {
		case model.SeverityHigh:
			s += weightHigh
		case model.SeverityMedium:
			s += weightMedium
		case model.SeverityLow:
			s += weightLow
		}
	}
	return round2(s)
}

// LevelFor переводит итоговый балл в уровень.
func LevelFor(score float64) model.SeverityLevel {
	switch {
	case score >= 10:
		return model.SeverityLevelCritical
	case score >= 5:
		return model.SeverityLevelHigh
	case score >= 2:
		return model.SeverityLevelMedium
	case score > 0:
		return model.SeverityLevelLow
	default:
		return model.SeverityLevelNormal
	}
}

func (d *Detector) volume(cur, prev model.WeeklyStats, hasBaseline bool) []model.AnomalyFinding {
	var out []model.AnomalyFinding

	curTotal := float64(cur.Generation.TotalRequests)
	prevTotal := float64(prev.Generation.TotalRequests)
	if hasBaseline && prevTotal > 0 && curTotal > prevTotal*d.th.TotalRequestSpikeMultiplier {
		ratio := curTotal / prevTotal
		out = append(out, model.AnomalyFinding{
			Type:            model.AnomalyRequestSpike,
			Severity:        d.spikeSeverity(ratio),
			Description:     fmt.Sprintf("total requests grew %.2fx: %d vs %d", ratio, cur.Generation.TotalRequests, prev.Generation.TotalRequests),
			CurrentValue:    curTotal,
			ComparisonValue: prevTotal,
			Ratio:           round2(ratio),
		})
	}

	curNet := float64(cur.Credits.NetCreditsConsumed)
	prevNet := float64(prev.Credits.NetCreditsConsumed)
	if hasBaseline && prevNet > 0 && curNet > prevNet*d.th.CreditConsumptionSpikeMultiplier {
		ratio := curNet / prevNet
		out = append(out, model.AnomalyFinding{
			Type:            model.AnomalyCreditConsumptionSpike,
			Severity:        d.spikeSeverity(ratio),
			Description:     fmt.Sprintf("net credits consumed grew %.2fx: %d vs %d", ratio, cur.Credits.NetCreditsConsumed, prev.Credits.NetCreditsConsumed),
			CurrentValue:    curNet,
			ComparisonValue: prevNet,
			Ratio:           round2(ratio),
		})
	}

	curRefund := cur.Credits.RefundRatio()
	prevRefund := prev.Credits.RefundRatio()
	if curRefund > d.th.RefundRateThreshold ||
		(prevRefund > 0 && curRefund > prevRefund*d.th.RefundRateSpikeMultiplier) {
		var ratio float64
		if prevRefund > 0 {
			ratio = curRefund / prevRefund
		}
		out = append(out, model.AnomalyFinding{
			Type:            model.AnomalyHighRefundRate,
			Severity:        model.SeverityMedium,
			Description:     fmt.Sprintf("refund ratio %.2f (previous %.2f)", curRefund, prevRefund),
			CurrentValue:    round2(curRefund),
			ComparisonValue: round2(prevRefund),
			Ratio:           round2(ratio),
		})
	}

	return out
}

func (d *Detector) users(cur, prev model.WeeklyStats, hasBaseline bool) []model.AnomalyFinding {
	var out []model.AnomalyFinding

	ids := make([]string, 0, len(cur.Users.UserRequestBreakdown))
	for id := range cur.Users.UserRequestBreakdown {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		count := cur.Users.UserRequestBreakdown[id]
		if count <= d.th.UserRequestSpikeThreshold {
			continue
		}
		before := prev.Users.UserRequestBreakdown[id]
		if before != 0 && float64(count) <= float64(before)*d.th.UserRequestGrowthMultiplier {
			continue
		}
		var ratio float64
		if before > 0 {
			ratio = float64(count) / float64(before)
		}
		out = append(out, model.AnomalyFinding{
			Type:            model.AnomalyUserRequestSpike,
			Severity:        model.SeverityMedium,
			Description:     fmt.Sprintf("user %s made %d requests (previous %d)", id, count, before),
			Subject:         id,
			CurrentValue:    float64(count),
			ComparisonValue: float64(before),
			Ratio:           round2(ratio),
		})
	}

	if !hasBaseline {
		return out
	}

	curActive := cur.Users.ActiveUsersCount
	prevActive := prev.Users.ActiveUsersCount
	if curActive > prevActive+d.th.NewUserSpikeThreshold {
		var ratio float64
		if prevActive > 0 {
			ratio = float64(curActive) / float64(prevActive)
		}
		out = append(out, model.AnomalyFinding{
			Type:            model.AnomalyUserActivitySpike,
			Severity:        model.SeverityLow,
			Description:     fmt.Sprintf("active users grew from %d to %d", prevActive, curActive),
			CurrentValue:    float64(curActive),
			ComparisonValue: float64(prevActive),
			Ratio:           round2(ratio),
		})
	}

	known := make(map[string]struct{}, len(prev.Users.ActiveUsers))
	for _, id := range prev.Users.ActiveUsers {
		known[id] = struct{}{}
	}
	newUsers := 0
	for _, id := range cur.Users.ActiveUsers {
		if _, ok := known[id]; !ok {
			newUsers++
		}
	}
	if newUsers > d.th.NewUserSpikeThreshold {
		out = append(out, model.AnomalyFinding{
			Type:            model.AnomalyNewUserSpike,
			Severity:        model.SeverityLow,
			Description:     fmt.Sprintf("%d users were not active in the previous period", newUsers),
			CurrentValue:    float64(newUsers),
			ComparisonValue: float64(d.th.NewUserSpikeThreshold),
		})
	}

	return out
}

func (d *Detector) failures(cur, prev model.WeeklyStats, hasBaseline bool) []model.AnomalyFinding {
	curRate := cur.Generation.FailureRate / 100
	prevRate := prev.Generation.FailureRate / 100

	if curRate > d.th.FailureRateThreshold {
		return []model.AnomalyFinding{{
			Type:            model.AnomalyHighFailureRate,
			Severity:        model.SeverityHigh,
			Description:     fmt.Sprintf("failure rate %.2f%% exceeds %.2f%%", cur.Generation.FailureRate, d.th.FailureRateThreshold*100),
			CurrentValue:    cur.Generation.FailureRate,
			ComparisonValue: round2(d.th.FailureRateThreshold * 100),
			Ratio:           ratioOf(curRate, d.th.FailureRateThreshold),
		}}
	}

	if hasBaseline && prevRate > 0 && curRate > prevRate*d.th.FailureRateSpikeMultiplier {
		ratio := curRate / prevRate
		return []model.AnomalyFinding{{
			Type:            model.AnomalyFailureRateSpike,
			Severity:        model.SeverityMedium,
			Description:     fmt.Sprintf("failure rate grew %.2fx: %.2f%% vs %.2f%%", ratio, cur.Generation.FailureRate, prev.Generation.FailureRate),
			CurrentValue:    cur.Generation.FailureRate,
			ComparisonValue: prev.Generation.FailureRate,
			Ratio:           round2(ratio),
		}}
	}

	return nil
}

func (d *Detector) models(cur, prev model.WeeklyStats, hasBaseline bool) []model.AnomalyFinding {
	var out []model.AnomalyFinding

	names := sortedModels(cur.ModelPerformance)
	for _, m := range names {
		perf := cur.ModelPerformance[m]
		rate := perf.FailureRate / 100
		before, seen := prev.ModelPerformance[m]
		prevRate := before.FailureRate / 100

		if rate > d.th.CriticalModelFailureRate {
			out = append(out, model.AnomalyFinding{
				Type:            model.AnomalyModelCriticalFailureRate,
				Severity:        model.SeverityHigh,
				Description:     fmt.Sprintf("%s failure rate %.2f%% exceeds %.2f%%", m, perf.FailureRate, d.th.CriticalModelFailureRate*100),
				Subject:         string(m),
				CurrentValue:    perf.FailureRate,
				ComparisonValue: round2(d.th.CriticalModelFailureRate * 100),
				Ratio:           ratioOf(rate, d.th.CriticalModelFailureRate),
			})
			continue
		}

		if hasBaseline && seen && prevRate > 0 && rate > prevRate*d.th.ModelFailureSpikeMultiplier {
			ratio := rate / prevRate
			out = append(out, model.AnomalyFinding{
				Type:            model.AnomalyModelFailureSpike,
				Severity:        model.SeverityMedium,
				Description:     fmt.Sprintf("%s failure rate grew %.2fx: %.2f%% vs %.2f%%", m, ratio, perf.FailureRate, before.FailureRate),
				Subject:         string(m),
				CurrentValue:    perf.FailureRate,
				ComparisonValue: before.FailureRate,
				Ratio:           round2(ratio),
			})
			continue
		}

		limit := d.th.FailureRateThreshold * d.th.ModelDegradationMultiplier
		if rate > limit {
			out = append(out, model.AnomalyFinding{
				Type:            model.AnomalyModelPerformanceDegradation,
				Severity:        model.SeverityMedium,
				Description:     fmt.Sprintf("%s failure rate %.2f%% indicates degradation", m, perf.FailureRate),
				Subject:         string(m),
				CurrentValue:    perf.FailureRate,
				ComparisonValue: round2(limit * 100),
				Ratio:           ratioOf(rate, limit),
			})
		}
	}

	out = append(out, d.compareModels(cur, names)...)
	return out
}

func (d *Detector) compareModels(cur model.WeeklyStats, names []model.AIModel) []model.AnomalyFinding {
	var qualifying []model.AIModel
	for _, m := range names {
		if cur.ModelPerformance[m].TotalRequests >= d.th.MinRequestsForModelComparison {
			qualifying = append(qualifying, m)
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	var out []model.AnomalyFinding

	if len(qualifying) >= 2 {
		best, worst := qualifying[0], qualifying[0]
		var sum float64
		for _, m := range qualifying {
			r := cur.ModelPerformance[m].FailureRate
			sum += r
			if r < cur.ModelPerformance[best].FailureRate {
				best = m
			}
			if r > cur.ModelPerformance[worst].FailureRate {
				worst = m
			}
		}
		bestRate := cur.ModelPerformance[best].FailureRate
		worstRate := cur.ModelPerformance[worst].FailureRate
		if bestRate > 0 && worstRate > bestRate*d.th.ModelPerformanceDisparityMultiplier {
			out = append(out, model.AnomalyFinding{
				Type:            model.AnomalyModelPerformanceDisparity,
				Severity:        model.SeverityHigh,
				Description:     fmt.Sprintf("%s fails %.2fx more often than %s", worst, worstRate/bestRate, best),
				Subject:         string(worst),
				CurrentValue:    worstRate,
				ComparisonValue: bestRate,
				Ratio:           round2(worstRate / bestRate),
			})
		}

		mean := sum / float64(len(qualifying))
		if mean > 0 {
			for _, m := range qualifying {
				r := cur.ModelPerformance[m].FailureRate
				if r > mean*d.th.ModelUnderperformingMultiplier {
					out = append(out, model.AnomalyFinding{
						Type:            model.AnomalyModelUnderperforming,
						Severity:        model.SeverityMedium,
						Description:     fmt.Sprintf("%s failure rate %.2f%% is %.2fx the mean", m, r, r/mean),
						Subject:         string(m),
						CurrentValue:    r,
						ComparisonValue: round2(mean),
						Ratio:           round2(r / mean),
					})
				}
			}
		}
	}

	for _, m := range qualifying {
		perf := cur.ModelPerformance[m]
		if perf.FailureRate == 0 && perf.TotalRequests > d.th.SuspiciousPerfectPerformanceRequests {
			out = append(out, model.AnomalyFinding{
				Type:            model.AnomalySuspiciousPerfectPerformance,
				Severity:        model.SeverityLow,
				Description:     fmt.Sprintf("%s reported no failures across %d requests", m, perf.TotalRequests),
				Subject:         string(m),
				CurrentValue:    float64(perf.TotalRequests),
				ComparisonValue: float64(d.th.SuspiciousPerfectPerformanceRequests),
			})
		}
	}

	return out
}

func (d *Detector) spikeSeverity(ratio float64) model.Severity {
	if ratio > d.th.HighSpikeRatio {
		return model.SeverityHigh
	}
	return model.SeverityMedium
}

func sortedModels(perf map[model.AIModel]model.ModelPerformance) []model.AIModel {
	names := make([]model.AIModel, 0, len(perf))
	for m := range perf {
		names = append(names, m)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ratioOf возвращает округлённое a/b; при b == 0 возвращает 0.
func ratioOf(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return round2(a / b)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
