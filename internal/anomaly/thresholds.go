// Package anomaly сравнивает агрегаты текущего периода с предыдущим и ищет аномалии.
package anomaly

import (
	"errors"
	"fmt"
)

// Thresholds содержит настраиваемые пороги правил обнаружения.
// Доли (rate) заданы в диапазоне [0, 1].
type Thresholds struct {
	TotalRequestSpikeMultiplier          float64 `env:"TOTAL_REQUEST_SPIKE_MULTIPLIER" envDefault:"2.5"`
	UserRequestSpikeThreshold            int     `env:"USER_REQUEST_SPIKE_THRESHOLD" envDefault:"10"`
	UserRequestGrowthMultiplier          float64 `env:"USER_REQUEST_GROWTH_MULTIPLIER" envDefault:"2.0"`
	CreditConsumptionSpikeMultiplier     float64 `env:"CREDIT_CONSUMPTION_SPIKE_MULTIPLIER" envDefault:"3.0"`
	HighSpikeRatio                       float64 `env:"HIGH_SPIKE_RATIO" envDefault:"5.0"`
	RefundRateThreshold                  float64 `env:"REFUND_RATE_THRESHOLD" envDefault:"0.3"`
	RefundRateSpikeMultiplier            float64 `env:"REFUND_RATE_SPIKE_MULTIPLIER" envDefault:"2.0"`
	NewUserSpikeThreshold                int     `env:"NEW_USER_SPIKE_THRESHOLD" envDefault:"5"`
	FailureRateThreshold                 float64 `env:"FAILURE_RATE_THRESHOLD" envDefault:"0.15"`
	FailureRateSpikeMultiplier           float64 `env:"FAILURE_RATE_SPIKE_MULTIPLIER" envDefault:"2.0"`
	CriticalModelFailureRate             float64 `env:"CRITICAL_MODEL_FAILURE_RATE" envDefault:"0.15"`
	ModelFailureSpikeMultiplier          float64 `env:"MODEL_FAILURE_SPIKE_MULTIPLIER" envDefault:"2.0"`
	ModelDegradationMultiplier           float64 `env:"MODEL_DEGRADATION_MULTIPLIER" envDefault:"1.5"`
	MinRequestsForModelComparison        int     `env:"MIN_REQUESTS_FOR_MODEL_COMPARISON" envDefault:"5"`
	ModelPerformanceDisparityMultiplier  float64 `env:"MODEL_PERFORMANCE_DISPARITY_MULTIPLIER" envDefault:"5.0"`
	ModelUnderperformingMultiplier       float64 `env:"MODEL_UNDERPERFORMING_MULTIPLIER" envDefault:"3.0"`
	SuspiciousPerfectPerformanceRequests int     `env:"SUSPICIOUS_PERFECT_PERFORMANCE_REQUESTS" envDefault:"20"`
}

// DefaultThresholds возвращает пороги по умолчанию.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TotalRequestSpikeMultiplier:          2.5,
		UserRequestSpikeThreshold:            10,
		UserRequestGrowthMultiplier:          2.0,
		CreditConsumptionSpikeMultiplier:     3.0,
		HighSpikeRatio:                       5.0,
		RefundRateThreshold:                  0.3,
		RefundRateSpikeMultiplier:            2.0,
		NewUserSpikeThreshold:                5,
		FailureRateThreshold:                 0.15,
		FailureRateSpikeMultiplier:           2.0,
		CriticalModelFailureRate:             0.15,
		ModelFailureSpikeMultiplier:          2.0,
		ModelDegradationMultiplier:           1.5,
		MinRequestsForModelComparison:        5,
		ModelPerformanceDisparityMultiplier:  5.0,
		ModelUnderperformingMultiplier:       3.0,
		SuspiciousPerfectPerformanceRequests: 20,
	}
}

// Validate проверяет, что пороги имеют осмысленные значения.
func (t Thresholds) Validate() error {
	var errs []error

	positive := map[string]float64{
		"total_request_spike_multiplier":         t.TotalRequestSpikeMultiplier,
		"user_request_growth_multiplier":         t.UserRequestGrowthMultiplier,
		"credit_consumption_spike_multiplier":    t.CreditConsumptionSpikeMultiplier,
		"high_spike_ratio":                       t.HighSpikeRatio,
		"refund_rate_spike_multiplier":           t.RefundRateSpikeMultiplier,
		"failure_rate_spike_multiplier":          t.FailureRateSpikeMultiplier,
		"model_failure_spike_multiplier":         t.ModelFailureSpikeMultiplier,
		"model_degradation_multiplier":           t.ModelDegradationMultiplier,
		"model_performance_disparity_multiplier": t.ModelPerformanceDisparityMultiplier,
		"model_underperforming_multiplier":       t.ModelUnderperformingMultiplier,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}

	rates := map[string]float64{
		"refund_rate_threshold":       t.RefundRateThreshold,
		"failure_rate_threshold":      t.FailureRateThreshold,
		"critical_model_failure_rate": t.CriticalModelFailureRate,
	}
	for name, v := range rates {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}

	if t.UserRequestSpikeThreshold < 0 || t.NewUserSpikeThreshold < 0 ||
		t.MinRequestsForModelComparison < 0 || t.SuspiciousPerfectPerformanceRequests < 0 {
		errs = append(errs, errors.New("count thresholds must not be negative"))
	}

	return errors.Join(errs...)
}
