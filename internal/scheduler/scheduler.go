// Package scheduler запускает формирование еженедельного отчёта по расписанию.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/report"
)

// ReportGenerator формирует еженедельный отчёт.
type ReportGenerator interface {
	GenerateWeekly(ctx context.Context) (*report.Result, error)
}

// ReportScheduler запускает ReportGenerator по cron-выражению в UTC.
type ReportScheduler struct {
	scheduler gocron.Scheduler
	job       gocron.Job
	generator ReportGenerator
	timeout   time.Duration
	logger    *zap.Logger
}

// NewReportScheduler регистрирует еженедельную задачу.
func NewReportScheduler(generator ReportGenerator, cron string, timeout time.Duration, logger *zap.Logger) (*ReportScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	rs := &ReportScheduler{
		scheduler: s,
		generator: generator,
		timeout:   timeout,
		logger:    logger,
	}

	rs.job, err = s.NewJob(
		gocron.CronJob(cron, false),
		gocron.NewTask(rs.run),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("report", "weekly"),
		gocron.WithName("weekly-report"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("register weekly report job: %w", err)
	}

	logger.Info("registered weekly report job", zap.String("cron", cron))
	return rs, nil
}

func (rs *ReportScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	start := time.Now()
	res, err := rs.generator.GenerateWeekly(ctx)
	if err != nil {
		rs.logger.Error("scheduled weekly report failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}

	rs.logger.Info("scheduled weekly report finished",
		zap.String("status", string(res.Status)),
		zap.Duration("duration", time.Since(start)),
	)
}

// RunNow немедленно запускает задачу вне расписания.
func (rs *ReportScheduler) RunNow() error {
	return rs.job.RunNow()
}

// NextRun возвращает время следующего запуска.
func (rs *ReportScheduler) NextRun() (time.Time, error) {
	return rs.job.NextRun()
}

// Run запускает планировщик и останавливает его при отмене ctx.
func (rs *ReportScheduler) Run(ctx context.Context) error {
	rs.scheduler.Start()
	<-ctx.Done()

	if err := rs.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
