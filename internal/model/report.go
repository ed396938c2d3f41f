package model

import "time"

// ReportPeriod задаёт границы отчётного окна.
type ReportPeriod struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// GenerationStats содержит статистику запросов на генерацию за период.
// Rate-поля выражены в процентах.
type GenerationStats struct {
	TotalRequests     int            `json:"total_requests"`
	CompletedRequests int            `json:"completed_requests"`
	FailedRequests    int            `json:"failed_requests"`
	PendingRequests   int            `json:"pending_requests"`
	SuccessRate       float64        `json:"success_rate"`
	FailureRate       float64        `json:"failure_rate"`
	StatusBreakdown   map[string]int `json:"status_breakdown"`
	StyleBreakdown    map[string]int `json:"style_breakdown"`
	SizeBreakdown     map[string]int `json:"size_breakdown"`
}

// CreditStats содержит статистику списаний и возвратов за период.
type CreditStats struct {
	TotalCreditsDeducted     int64   `json:"total_credits_deducted"`
	TotalCreditsRefunded     int64   `json:"total_credits_refunded"`
	NetCreditsConsumed       int64   `json:"net_credits_consumed"`
	TotalTransactions        int     `json:"total_transactions"`
	DeductionTransactions    int     `json:"deduction_transactions"`
	RefundTransactions       int     `json:"refund_transactions"`
	AverageCreditsPerRequest float64 `json:"average_credits_per_request"`
}

// RefundRatio возвращает долю возвращённых кредитов от списанных.
func (c CreditStats) RefundRatio() float64 {
	if c.TotalCreditsDeducted == 0 {
		return 0
	}
	return float64(c.TotalCreditsRefunded) / float64(c.TotalCreditsDeducted)
}

// UserStats содержит статистику активности пользователей.
// ActiveUsers отсортирован по возрастанию.
type UserStats struct {
	ActiveUsersCount       int            `json:"active_users_count"`
	ActiveUsers            []string       `json:"active_users"`
	UserRequestBreakdown   map[string]int `json:"user_request_breakdown"`
	AverageRequestsPerUser float64        `json:"average_requests_per_user"`
}

// ModelPerformance содержит показатели одной модели за период.
type ModelPerformance struct {
	TotalRequests int     `json:"total_requests"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	FailureRate   float64 `json:"failure_rate"`
}

// WeeklyStats содержит детерминированный снимок агрегатов за отчётное окно.
type WeeklyStats struct {
	Period           ReportPeriod                 `json:"report_period"`
	Generation       GenerationStats              `json:"generation_stats"`
	Credits          CreditStats                  `json:"credit_stats"`
	Users            UserStats                    `json:"user_stats"`
	ModelPerformance map[AIModel]ModelPerformance `json:"model_performance"`
}

// Severity описывает важность отдельной аномалии.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityLevel описывает итоговый уровень аномальности отчёта.
type SeverityLevel string

const (
	SeverityLevelNormal   SeverityLevel = "normal"
	SeverityLevelLow      SeverityLevel = "low"
	SeverityLevelMedium   SeverityLevel = "medium"
	SeverityLevelHigh     SeverityLevel = "high"
	SeverityLevelCritical SeverityLevel = "critical"
)

// AnomalyType задаёт тег аномалии из фиксированной таксономии.
type AnomalyType string

const (
	AnomalyRequestSpike                 AnomalyType = "request_spike"
	AnomalyUserRequestSpike             AnomalyType = "user_request_spike"
	AnomalyCreditConsumptionSpike       AnomalyType = "credit_consumption_spike"
	AnomalyHighRefundRate               AnomalyType = "high_refund_rate"
	AnomalyUserActivitySpike            AnomalyType = "user_activity_spike"
	AnomalyNewUserSpike                 AnomalyType = "new_user_spike"
	AnomalyHighFailureRate              AnomalyType = "high_failure_rate"
	AnomalyFailureRateSpike             AnomalyType = "failure_rate_spike"
	AnomalyModelCriticalFailureRate     AnomalyType = "model_critical_failure_rate"
	AnomalyModelFailureSpike            AnomalyType = "model_failure_spike"
	AnomalyModelPerformanceDegradation  AnomalyType = "model_performance_degradation"
	AnomalyModelPerformanceDisparity    AnomalyType = "model_performance_disparity"
	AnomalyModelUnderperforming         AnomalyType = "model_underperforming"
	AnomalySuspiciousPerfectPerformance AnomalyType = "suspicious_perfect_performance"
)

// AnomalyFinding описывает одну обнаруженную аномалию и числовые основания.
type AnomalyFinding struct {
	Type            AnomalyType `json:"type"`
	Severity        Severity    `json:"severity"`
	Description     string      `json:"description"`
	Subject         string      `json:"subject,omitempty"`
	CurrentValue    float64     `json:"current_value"`
	ComparisonValue float64     `json:"comparison_value"`
	Ratio           float64     `json:"ratio"`
}

// AnomalyAnalysis содержит результат сравнения текущего периода с базовым.
type AnomalyAnalysis struct {
	DetectedAnomalies []AnomalyFinding `json:"detected_anomalies"`
	AnomalyScore      float64          `json:"anomaly_score"`
	SeverityLevel     SeverityLevel    `json:"severity_level"`
	TotalAnomalies    int              `json:"total_anomalies"`
	BaselineReportID  string           `json:"baseline_report_id,omitempty"`
	Warning           string           `json:"warning,omitempty"`
}

// ReportTypeWeekly обозначает еженедельный отчёт.
const ReportTypeWeekly = "weekly"

// WeeklyReport описывает сохранённый еженедельный отчёт. После сохранения не меняется.
type WeeklyReport struct {
	ID          string    `json:"id"`
	ReportType  string    `json:"report_type"`
	GeneratedAt time.Time `json:"generated_at"`
	WeeklyStats
	AnomalyAnalysis AnomalyAnalysis `json:"anomaly_analysis"`
}
