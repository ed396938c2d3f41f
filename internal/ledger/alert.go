package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

// Alerter получает уведомления о случаях, когда кредиты списаны, а возврат не удался.
type Alerter interface {
	CreditsLost(ctx context.Context, req *model.GenerationRequest, reason string, err error)
}

// LogAlerter пишет уведомление в лог уровня Error с полем alert=true.
type LogAlerter struct {
	Logger *zap.Logger
}

// CreditsLost реализует Alerter.
func (a LogAlerter) CreditsLost(ctx context.Context, req *model.GenerationRequest, reason string, err error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error("CRITICAL: credits lost",
		zap.Bool("alert", true),
		zap.String("user_id", req.UserID),
		zap.String("request_id", req.ID),
		zap.Int64("credits", req.CreditsDeducted),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
