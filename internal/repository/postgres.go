package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCommitUnknown возвращается, если ответ на COMMIT потерян и исход транзакции неизвестен.
var ErrCommitUnknown = errors.New("commit outcome unknown")

var retryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryDelays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrCommitUnknown) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// RunInTx выполняет fn в транзакции. При конфликте сериализации или взаимной
// блокировке транзакция повторяется целиком. Сбой соединения на COMMIT
// возвращается как ErrCommitUnknown без повтора.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return commitError(err)
		}
		return nil
	})
}

// commitError оставляет повторяемыми только ошибки, которые сервер вернул явно.
// Обрыв соединения во время COMMIT не повторяется: транзакция могла быть зафиксирована.
func commitError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("commit tx: %w", err)
	}
	return fmt.Errorf("commit tx: %w: %w", ErrCommitUnknown, err)
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, current_credits, total_credits, total_images_generated, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Name, u.Email, u.CurrentCredits, u.TotalCredits, u.TotalImagesGenerated, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, current_credits, total_credits, total_images_generated, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.CurrentCredits, &u.TotalCredits, &u.TotalImagesGenerated, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

const requestColumns = `id, user_id, model, style, color, size, prompt, status, credits_deducted,
	image_url, error_message, created_at, updated_at, completed_at`

func scanRequest(row pgx.Row) (*model.GenerationRequest, error) {
	var (
		req    model.GenerationRequest
		aiName string
		status string
	)
	err := row.Scan(&req.ID, &req.UserID, &aiName, &req.Style, &req.Color, &req.Size, &req.Prompt,
		&status, &req.CreditsDeducted, &req.ImageURL, &req.ErrorMessage,
		&req.CreatedAt, &req.UpdatedAt, &req.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("scan generation request: %w", err)
	}

	req.Model = model.AIModel(aiName)
	st, err := model.ParseGenerationStatus(status)
	if err != nil {
		return nil, fmt.Errorf("generation request %s: %w", req.ID, err)
	}
	req.Status = st
	return &req, nil
}

// GetGenerationRequest возвращает запрос на генерацию по идентификатору.
func (r *PostgresRepository) GetGenerationRequest(ctx context.Context, requestID string) (*model.GenerationRequest, error) {
	return scanRequest(r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM generation_requests WHERE id = $1`, requestID))
}

// GetGenerationRequestsBetween возвращает запросы, созданные в [from, to), по возрастанию времени.
func (r *PostgresRepository) GetGenerationRequestsBetween(ctx context.Context, from, to time.Time) ([]model.GenerationRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM generation_requests
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at, id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select generation requests: %w", err)
	}
	defer rows.Close()

	var res []model.GenerationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const transactionColumns = `id, user_id, type, credits, generation_request_id, description, created_at`

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t   model.Transaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Credits, &t.GenerationRequestID, &t.Description, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetTransactionsByUser возвращает операции пользователя, новые первыми.
// limit <= 0 означает без ограничения.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return collectTransactions(rows)
}

// GetTransactionsBetween возвращает операции с отметкой времени в [from, to), по возрастанию времени.
func (r *PostgresRepository) GetTransactionsBetween(ctx context.Context, from, to time.Time) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at, id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return collectTransactions(rows)
}

// SaveReport сохраняет отчёт целиком в JSONB. Сохранённый отчёт не перезаписывается.
func (r *PostgresRepository) SaveReport(ctx context.Context, report *model.WeeklyReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO weekly_reports (id, report_type, period_start, period_end, generated_at, body)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			report.ID, report.ReportType, report.Period.StartDate, report.Period.EndDate, report.GeneratedAt, body,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrReportExists, report.ID)
			}
			return fmt.Errorf("insert report: %w", err)
		}
		return nil
	})
}

func scanReport(row pgx.Row) (*model.WeeklyReport, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}

	var rep model.WeeklyReport
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &rep, nil
}

// GetReport возвращает отчёт по идентификатору.
func (r *PostgresRepository) GetReport(ctx context.Context, id string) (*model.WeeklyReport, error) {
	return scanReport(r.pool.QueryRow(ctx, `SELECT body FROM weekly_reports WHERE id = $1`, id))
}

// GetLatestReportBefore возвращает отчёт с наибольшим концом периода, строго меньшим before.
func (r *PostgresRepository) GetLatestReportBefore(ctx context.Context, before time.Time) (*model.WeeklyReport, error) {
	return scanReport(r.pool.QueryRow(ctx,
		`SELECT body FROM weekly_reports
		 WHERE period_end < $1
		 ORDER BY period_end DESC, generated_at DESC
		 LIMIT 1`,
		before,
	))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, userID string) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
}

func (t *pgTx) UpdateUserCredits(ctx context.Context, userID string, credits int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET current_credits = $2, updated_at = $3 WHERE id = $1`,
		userID, credits, at,
	)
	if err != nil {
		return fmt.Errorf("update user credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *pgTx) IncrementImagesGenerated(ctx context.Context, userID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET total_images_generated = total_images_generated + 1, updated_at = $2 WHERE id = $1`,
		userID, at,
	)
	if err != nil {
		return fmt.Errorf("increment images generated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *pgTx) GetGenerationRequestForUpdate(ctx context.Context, requestID string) (*model.GenerationRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM generation_requests WHERE id = $1 FOR UPDATE`, requestID))
}

func (t *pgTx) InsertGenerationRequest(ctx context.Context, req *model.GenerationRequest) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO generation_requests (id, user_id, model, style, color, size, prompt, status,
			credits_deducted, image_url, error_message, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		req.ID, req.UserID, string(req.Model), req.Style, req.Color, req.Size, req.Prompt, string(req.Status),
		req.CreditsDeducted, req.ImageURL, req.ErrorMessage, req.CreatedAt, req.UpdatedAt, req.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRequestExists, req.ID)
		}
		return fmt.Errorf("insert generation request: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateGenerationRequest(ctx context.Context, req *model.GenerationRequest) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE generation_requests
		 SET status = $2, image_url = $3, error_message = $4, updated_at = $5, completed_at = $6
		 WHERE id = $1`,
		req.ID, string(req.Status), req.ImageURL, req.ErrorMessage, req.UpdatedAt, req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update generation request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	if !tr.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTransaction, tr.Type)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, credits, generation_request_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID, tr.UserID, string(tr.Type), tr.Credits, tr.GenerationRequestID, tr.Description, tr.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateTransaction, tr.Type, tr.GenerationRequestID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
