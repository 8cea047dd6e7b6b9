package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"sitebackup/pkg/types"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const jobColumns = `id, config_id, schedule_id, type, trigger_type, status, progress, started_at,
	completed_at, file_path, file_size, compressed_size, error_message, metadata, created_at`

// SQLiteStore реализация JobStore поверх SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

var _ JobStore = (*SQLiteStore)(nil)

// NewSQLiteStore открывает базу, применяет миграции и возвращает хранилище.
// Путь ":memory:" создает базу в памяти.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	// SQLite допускает одного писателя; одно соединение также сохраняет базу в памяти
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// buildDSN добавляет к пути параметры драйвера go-sqlite3
func buildDSN(path string) string {
	params := "_busy_timeout=5000&_foreign_keys=on"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	return "file:" + path + "?_journal_mode=WAL&" + params
}

// migrate применяет встроенные миграции goose
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка чтения миграций: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	return nil
}

// Close закрывает соединение с базой
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConfig сохраняет новую политику
func (s *SQLiteStore) CreateConfig(ctx context.Context, cfg *types.BackupConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	query := `
		INSERT INTO backup_configs (
			id, name, type, enabled, retention_days, include_files, include_database,
			compression, encryption, database_options, file_options, location, created_at, updated_at
		) VALUES (
			:id, :name, :type, :enabled, :retention_days, :include_files, :include_database,
			:compression, :encryption, :database_options, :file_options, :location, :created_at, :updated_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, cfg); err != nil {
		return fmt.Errorf("ошибка сохранения политики: %w", err)
	}
	return nil
}

// GetConfig возвращает политику по ID
func (s *SQLiteStore) GetConfig(ctx context.Context, id string) (*types.BackupConfig, error) {
	cfg := &types.BackupConfig{}
	err := s.db.GetContext(ctx, cfg, `SELECT * FROM backup_configs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("политика %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения политики: %w", err)
	}
	return cfg, nil
}

// ListConfigs возвращает все политики
func (s *SQLiteStore) ListConfigs(ctx context.Context) ([]*types.BackupConfig, error) {
	var configs []*types.BackupConfig
	if err := s.db.SelectContext(ctx, &configs, `SELECT * FROM backup_configs ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("ошибка получения политик: %w", err)
	}
	return configs, nil
}

// UpdateConfig обновляет политику
func (s *SQLiteStore) UpdateConfig(ctx context.Context, cfg *types.BackupConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE backup_configs SET
			name = :name, type = :type, enabled = :enabled, retention_days = :retention_days,
			include_files = :include_files, include_database = :include_database,
			compression = :compression, encryption = :encryption,
			database_options = :database_options, file_options = :file_options,
			location = :location, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, cfg)
	if err != nil {
		return fmt.Errorf("ошибка обновления политики: %w", err)
	}
	return requireAffected(result, "политика", cfg.ID)
}

// DeleteConfig удаляет политику вместе с ее расписаниями
func (s *SQLiteStore) DeleteConfig(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backup_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления политики: %w", err)
	}
	return requireAffected(result, "политика", id)
}

// CreateSchedule сохраняет расписание
func (s *SQLiteStore) CreateSchedule(ctx context.Context, schedule *types.BackupSchedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now

	query := `
		INSERT INTO backup_schedules (
			id, config_id, cron_expression, timezone, enabled, last_run, next_run, created_at, updated_at
		) VALUES (
			:id, :config_id, :cron_expression, :timezone, :enabled, :last_run, :next_run, :created_at, :updated_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, schedule); err != nil {
		return fmt.Errorf("ошибка сохранения расписания: %w", err)
	}
	return nil
}

// GetSchedule возвращает расписание по ID
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*types.BackupSchedule, error) {
	schedule := &types.BackupSchedule{}
	err := s.db.GetContext(ctx, schedule, `SELECT * FROM backup_schedules WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("расписание %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения расписания: %w", err)
	}
	return schedule, nil
}

// ListSchedules возвращает расписания по фильтру
func (s *SQLiteStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*types.BackupSchedule, error) {
	var (
		where []string
		args  []any
	)
	if filter.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, filter.ConfigID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	query := `SELECT * FROM backup_schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	var schedules []*types.BackupSchedule
	if err := s.db.SelectContext(ctx, &schedules, query, args...); err != nil {
		return nil, fmt.Errorf("ошибка получения расписаний: %w", err)
	}
	return schedules, nil
}

// ListActiveSchedules возвращает включенные расписания включенных политик
func (s *SQLiteStore) ListActiveSchedules(ctx context.Context) ([]*types.BackupSchedule, error) {
	query := `
		SELECT s.id, s.config_id, s.cron_expression, s.timezone, s.enabled,
			s.last_run, s.next_run, s.created_at, s.updated_at
		FROM backup_schedules s
		JOIN backup_configs c ON c.id = s.config_id
		WHERE s.enabled = 1 AND c.enabled = 1
		ORDER BY s.created_at`

	var schedules []*types.BackupSchedule
	if err := s.db.SelectContext(ctx, &schedules, query); err != nil {
		return nil, fmt.Errorf("ошибка получения активных расписаний: %w", err)
	}
	return schedules, nil
}

// UpdateScheduleRun фиксирует время последнего и следующего запуска
func (s *SQLiteStore) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE backup_schedules SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		lastRun, nextRun, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("ошибка обновления расписания: %w", err)
	}
	return requireAffected(result, "расписание", id)
}

// DeleteSchedule удаляет расписание
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backup_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления расписания: %w", err)
	}
	return requireAffected(result, "расписание", id)
}

// CreateJob сохраняет новую задачу
func (s *SQLiteStore) CreateJob(ctx context.Context, job *types.BackupJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}

	query := `
		INSERT INTO backup_jobs (` + jobColumns + `) VALUES (
			:id, :config_id, :schedule_id, :type, :trigger_type, :status, :progress, :started_at,
			:completed_at, :file_path, :file_size, :compressed_size, :error_message, :metadata, :created_at
		)`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("ошибка сохранения задачи: %w", err)
	}
	return nil
}

// GetJob возвращает задачу по ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*types.BackupJob, error) {
	job := &types.BackupJob{}
	err := s.db.GetContext(ctx, job, `SELECT `+jobColumns+` FROM backup_jobs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("задача %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	return job, nil
}

// ListJobs возвращает задачи по фильтру
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.BackupJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, filter.ConfigID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Trigger != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, filter.Trigger)
	}
	if filter.CompletedBefore != nil {
		where = append(where, "completed_at IS NOT NULL AND completed_at < ?")
		args = append(args, filter.CompletedBefore.UTC())
	}

	query := `SELECT ` + jobColumns + ` FROM backup_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	var jobs []*types.BackupJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("ошибка получения задач: %w", err)
	}
	return jobs, nil
}

// StartJob переводит задачу из pending в running
func (s *SQLiteStore) StartJob(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET status = ?, progress = 0, started_at = ? WHERE id = ? AND status = ?`,
		types.JobStatusRunning, startedAt.UTC(), id, types.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("ошибка запуска задачи: %w", err)
	}
	return affected(result)
}

// UpdateJobProgress обновляет прогресс выполняющейся задачи
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET progress = ? WHERE id = ? AND status = ?`,
		progress, id, types.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("ошибка обновления прогресса: %w", err)
	}
	return nil
}

// CompleteJob переводит задачу из running в completed
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, completion JobCompletion) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_jobs SET
			status = ?, progress = 100, completed_at = ?, file_path = ?,
			file_size = ?, compressed_size = ?, metadata = ?
		WHERE id = ? AND status = ?`,
		types.JobStatusCompleted, completion.CompletedAt.UTC(), completion.FilePath,
		completion.FileSize, completion.CompressedSize, completion.Metadata,
		id, types.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("ошибка завершения задачи: %w", err)
	}
	return affected(result)
}

// FailJob переводит незавершенную задачу в failed
func (s *SQLiteStore) FailJob(ctx context.Context, id string, message string, failedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_jobs SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)`,
		types.JobStatusFailed, failedAt.UTC(), message,
		id, types.JobStatusPending, types.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("ошибка фиксации сбоя задачи: %w", err)
	}
	return affected(result)
}

// CancelJob отменяет только выполняющуюся задачу
func (s *SQLiteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET status = ? WHERE id = ? AND status = ?`,
		types.JobStatusCancelled, id, types.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("ошибка отмены задачи: %w", err)
	}
	return affected(result)
}

// UpdateJobMetadata заменяет метаданные задачи
func (s *SQLiteStore) UpdateJobMetadata(ctx context.Context, id string, metadata types.JobMetadata) error {
	result, err := s.db.ExecContext(ctx, `UPDATE backup_jobs SET metadata = ? WHERE id = ?`, metadata, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления метаданных задачи: %w", err)
	}
	return requireAffected(result, "задача", id)
}

// DeleteJob удаляет запись о задаче
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backup_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления задачи: %w", err)
	}
	return requireAffected(result, "задача", id)
}

// LastCompletedJob возвращает последнюю завершенную задачу политики
func (s *SQLiteStore) LastCompletedJob(ctx context.Context, configID string, backupTypes ...types.BackupType) (*types.BackupJob, error) {
	query := `SELECT ` + jobColumns + ` FROM backup_jobs WHERE config_id = ? AND status = ?`
	args := []any{configID, types.JobStatusCompleted}

	if len(backupTypes) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND type IN (?)`, configID, types.JobStatusCompleted, backupTypes)
		if err != nil {
			return nil, fmt.Errorf("ошибка построения запроса: %w", err)
		}
	}
	query += ` ORDER BY completed_at DESC LIMIT 1`

	job := &types.BackupJob{}
	if err := s.db.GetContext(ctx, job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("завершенные задачи политики %s: %w", configID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка получения последней задачи: %w", err)
	}
	return job, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ошибка получения количества измененных строк: %w", err)
	}
	return rows > 0, nil
}

func requireAffected(result sql.Result, entity, id string) error {
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
