package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/anomaly"
	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/repository"
)

// Store описывает хранилище, из которого строится и в которое сохраняется отчёт.
type Store interface {
	GetGenerationRequestsBetween(ctx context.Context, from, to time.Time) ([]model.GenerationRequest, error)
	GetTransactionsBetween(ctx context.Context, from, to time.Time) ([]model.Transaction, error)
	SaveReport(ctx context.Context, report *model.WeeklyReport) error
	GetReport(ctx context.Context, id string) (*model.WeeklyReport, error)
	GetLatestReportBefore(ctx context.Context, before time.Time) (*model.WeeklyReport, error)
}

// Status описывает итог формирования отчёта.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
)

// ErrReportNotFound возвращается, если сохранённых отчётов ещё нет.
var ErrReportNotFound = errors.New("report not found")

// Summary содержит краткую сводку отчёта.
type Summary struct {
	TotalRequests    int                `json:"total_requests"`
	SuccessRate      float64            `json:"success_rate"`
	ActiveUsers      int                `json:"active_users"`
	CreditsConsumed  int64              `json:"credits_consumed"`
	MostPopularStyle string             `json:"most_popular_style"`
	MostPopularSize  string             `json:"most_popular_size"`
	Period           model.ReportPeriod `json:"report_period"`
}

// Result содержит результат формирования еженедельного отчёта.
type Result struct {
	Status  Status              `json:"reportStatus"`
	Message string              `json:"message,omitempty"`
	Report  *model.WeeklyReport `json:"report_data,omitempty"`
	Summary *Summary            `json:"summary,omitempty"`
}

// Config содержит параметры отчётов.
type Config struct {
	Window time.Duration
	// BaselineTolerance допускает расхождение конца прошлого периода с началом текущего.
	BaselineTolerance time.Duration
}

// Service формирует и читает еженедельные отчёты.
type Service struct {
	store    Store
	detector *anomaly.Detector
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис отчётов.
func NewService(store Store, detector *anomaly.Detector, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = anomaly.NewDetector(anomaly.DefaultThresholds())
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.BaselineTolerance <= 0 {
		cfg.BaselineTolerance = time.Hour
	}
	s := &Service{
		store:    store,
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReportID возвращает идентификатор еженедельного отчёта за дату формирования.
func ReportID(at time.Time) string {
	return "weekly_report_" + at.UTC().Format("2006_01_02")
}

// GenerateWeekly формирует отчёт за окно [now-Window, now), сравнивает его с
// предыдущим сохранённым отчётом и сохраняет. Повторный вызов в тот же день
// возвращает уже сохранённый отчёт.
func (s *Service) GenerateWeekly(ctx context.Context) (*Result, error) {
	now := s.now()
	id := ReportID(now)
	log := s.logger.With(zap.String("report_id", id))

	existing, err := s.store.GetReport(ctx, id)
	switch {
	case err == nil:
		log.Info("weekly report already exists")
		return s.success(existing), nil
	case !errors.Is(err, repository.ErrReportNotFound):
		log.Error("failed to check existing report", zap.Error(err))
		return &Result{Status: StatusFailed, Message: "Weekly report generation failed"}, fmt.Errorf("get report: %w", err)
	}

	period := model.ReportPeriod{StartDate: now.Add(-s.cfg.Window), EndDate: now}
	log.Info("starting weekly report generation",
		zap.Time("start", period.StartDate), zap.Time("end", period.EndDate))

	rep, err := s.build(ctx, id, now, period)
	if err != nil {
		log.Error("failed to compute weekly stats", zap.Error(err))
		return &Result{Status: StatusFailed, Message: "Weekly report generation failed"}, err
	}

	if err := s.store.SaveReport(ctx, rep); err != nil {
		if errors.Is(err, repository.ErrReportExists) {
			saved, getErr := s.store.GetReport(ctx, id)
			if getErr == nil {
				return s.success(saved), nil
			}
		}
		log.Warn("report generated but failed to save", zap.Error(err))
		return &Result{
			Status:  StatusPartialSuccess,
			Message: "Report generated but not saved to database",
			Report:  rep,
		}, nil
	}

	log.Info("weekly report generated",
		zap.Int("total_requests", rep.Generation.TotalRequests),
		zap.Int("anomalies", rep.AnomalyAnalysis.TotalAnomalies),
		zap.String("severity", string(rep.AnomalyAnalysis.SeverityLevel)),
	)
	return s.success(rep), nil
}

func (s *Service) build(ctx context.Context, id string, now time.Time, period model.ReportPeriod) (*model.WeeklyReport, error) {
	requests, err := s.store.GetGenerationRequestsBetween(ctx, period.StartDate, period.EndDate)
	if err != nil {
		return nil, fmt.Errorf("load generation requests: %w", err)
	}
	txs, err := s.store.GetTransactionsBetween(ctx, period.StartDate, period.EndDate)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	stats := Aggregate(period, requests, txs)

	// Базой служит только отчёт, окно которого закончилось не позже начала текущего.
	var baseline *anomaly.Baseline
	prev, err := s.store.GetLatestReportBefore(ctx, period.StartDate.Add(s.cfg.BaselineTolerance))
	switch {
	case err == nil:
		baseline = &anomaly.Baseline{ReportID: prev.ID, Stats: prev.WeeklyStats}
	case errors.Is(err, repository.ErrReportNotFound):
	default:
		return nil, fmt.Errorf("load baseline report: %w", err)
	}

	return &model.WeeklyReport{
		ID:              id,
		ReportType:      model.ReportTypeWeekly,
		GeneratedAt:     now,
		WeeklyStats:     stats,
		AnomalyAnalysis: s.detector.Analyze(stats, baseline),
	}, nil
}

func (s *Service) success(rep *model.WeeklyReport) *Result {
	sum := Summarize(rep.WeeklyStats)
	return &Result{Status: StatusSuccess, Report: rep, Summary: &sum}
}

// Latest возвращает последний сохранённый отчёт.
func (s *Service) Latest(ctx context.Context) (*model.WeeklyReport, error) {
	rep, err := s.store.GetLatestReportBefore(ctx, s.now().Add(time.Nanosecond))
	if err != nil {
		if errors.Is(err, repository.ErrReportNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("get latest report: %w", err)
	}
	return rep, nil
}

// Summarize строит краткую сводку по статистике.
func Summarize(st model.WeeklyStats) Summary {
	return Summary{
		TotalRequests:    st.Generation.TotalRequests,
		SuccessRate:      st.Generation.SuccessRate,
		ActiveUsers:      st.Users.ActiveUsersCount,
		CreditsConsumed:  st.Credits.NetCreditsConsumed,
		MostPopularStyle: MostPopular(st.Generation.StyleBreakdown),
		MostPopularSize:  MostPopular(st.Generation.SizeBreakdown),
		Period:           st.Period,
	}
}
