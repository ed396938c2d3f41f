// Package handler содержит HTTP-обработчики API сервиса генерации изображений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagegen-system/internal/apperr"
	"github.com/mmeshcher/imagegen-system/internal/catalog"
	"github.com/mmeshcher/imagegen-system/internal/middleware"
	"github.com/mmeshcher/imagegen-system/internal/model"
	"github.com/mmeshcher/imagegen-system/internal/queue"
	"github.com/mmeshcher/imagegen-system/internal/report"
	"github.com/mmeshcher/imagegen-system/internal/service"
)

const maxBodySize = 1 << 20

// GenerationService определяет контракт приёма и чтения запросов на генерацию.
type GenerationService interface {
	CreateGenerationRequest(ctx context.Context, in service.CreateInput) (*service.CreateResult, error)
	GetGenerationStatus(ctx context.Context, requestID string) (*service.GenerationStatus, error)
	GetUserCredits(ctx context.Context, userID string) (*model.UserCredits, error)
	Options() catalog.Options
}

// ReportService определяет контракт еженедельных отчётов.
type ReportService interface {
	GenerateWeekly(ctx context.Context) (*report.Result, error)
	Latest(ctx context.Context) (*model.WeeklyReport, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	generations GenerationService
	reports     ReportService
	tasks       queue.Publisher
	signer      *middleware.TaskSigner
	logger      *zap.Logger
}

// NewHandler создаёт обработчик. Если tasks или signer равны nil, эндпоинт
// приёма задач не регистрируется.
func NewHandler(g GenerationService, r ReportService, tasks queue.Publisher, signer *middleware.TaskSigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		generations: g,
		reports:     r,
		tasks:       tasks,
		signer:      signer,
		logger:      logger,
	}
}

type errorResponse struct {
	Success   bool        `json:"success"`
	ErrorType apperr.Type `json:"error_type"`
	Message   string      `json:"message"`
	Refunded  *bool       `json:"refunded,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Success: true, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.New(apperr.TypeSystem, "Internal server error", err)
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("uri", r.RequestURI),
			zap.String("error_type", string(appErr.Type)),
			zap.Error(err),
		)
	}

	writeJSON(w, status, errorResponse{
		Success:   false,
		ErrorType: appErr.Type,
		Message:   appErr.Message,
		Refunded:  appErr.Refunded,
	})
}

// CreateGeneration принимает запрос на генерацию изображения.
func (h *Handler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var in service.CreateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&in); err != nil {
		h.writeError(w, r, apperr.Validation("Invalid JSON in request body"))
		return
	}

	res, err := h.generations.CreateGenerationRequest(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeData(w, http.StatusCreated, res)
}

// GetGeneration возвращает состояние запроса на генерацию.
func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	st, err := h.generations.GetGenerationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, st)
}

// GetUserCredits возвращает баланс и историю операций пользователя.
func (h *Handler) GetUserCredits(w http.ResponseWriter, r *http.Request) {
	uc, err := h.generations.GetUserCredits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, uc)
}

// GetOptions возвращает допустимые стили, палитры и размеры.
func (h *Handler) GetOptions(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.generations.Options())
}

// GenerateWeeklyReport формирует еженедельный отчёт по запросу.
func (h *Handler) GenerateWeeklyReport(w http.ResponseWriter, r *http.Request) {
	res, err := h.reports.GenerateWeekly(r.Context())
	if err != nil {
		h.logger.Error("weekly report error", zap.Error(err))
		if res == nil {
			res = &report.Result{Status: report.StatusFailed, Message: "Weekly report generation failed"}
		}
	}

	status := http.StatusOK
	switch res.Status {
	case report.StatusPartialSuccess:
		status = http.StatusMultiStatus
	case report.StatusFailed:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, successResponse{Success: res.Status != report.StatusFailed, Data: res})
}

// GetLatestReport возвращает последний сохранённый отчёт.
func (h *Handler) GetLatestReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reports.Latest(r.Context())
	if err != nil {
		if errors.Is(err, report.ErrReportNotFound) {
			h.writeError(w, r, apperr.NotFound("No weekly reports yet", err))
			return
		}
		h.writeError(w, r, apperr.New(apperr.TypeSystem, "Failed to load report", err))
		return
	}

	writeData(w, http.StatusOK, rep)
}

// AcceptTask принимает задачу генерации, доставленную по HTTP, в локальную очередь воркеров.
// Ответ 503 означает, что задача не принята и отправитель должен вернуть кредиты.
func (h *Handler) AcceptTask(w http.ResponseWriter, r *http.Request) {
	var task queue.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		h.writeError(w, r, apperr.Validation("Invalid task payload"))
		return
	}
	if err := task.Validate(); err != nil {
		h.writeError(w, r, apperr.Validation(err.Error()))
		return
	}

	if err := h.tasks.Enqueue(r.Context(), task); err != nil {
		h.logger.Warn("failed to accept generation task", zap.String("request_id", task.RequestID), zap.Error(err))
		h.writeError(w, r, apperr.New(apperr.TypeQueueFailure, "Worker queue is unavailable", err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Health сообщает о готовности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
