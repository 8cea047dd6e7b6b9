// Package store хранит политики, расписания и задачи бэкапа.
package store

import (
	"context"
	"errors"
	"time"

	"sitebackup/pkg/types"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("запись не найдена")

// ScheduleFilter фильтр выборки расписаний
type ScheduleFilter struct {
	ConfigID    string
	EnabledOnly bool
}

// JobFilter фильтр выборки задач. Результат упорядочен от новых к старым.
type JobFilter struct {
	ConfigID        string
	Status          types.JobStatus
	Trigger         types.JobTrigger
	CompletedBefore *time.Time
	Limit           int
	Offset          int
}

// JobCompletion данные, фиксируемые при успешном завершении задачи
type JobCompletion struct {
	FilePath       string
	FileSize       int64
	CompressedSize int64
	Metadata       types.JobMetadata
	CompletedAt    time.Time
}

// JobStore интерфейс хранилища, которым пользуется планировщик.
// Все переходы статусов задачи выполняются условными UPDATE, поэтому
// конечный статус не может быть перезаписан.
type JobStore interface {
	CreateConfig(ctx context.Context, cfg *types.BackupConfig) error
	GetConfig(ctx context.Context, id string) (*types.BackupConfig, error)
	ListConfigs(ctx context.Context) ([]*types.BackupConfig, error)
	UpdateConfig(ctx context.Context, cfg *types.BackupConfig) error
	DeleteConfig(ctx context.Context, id string) error

	CreateSchedule(ctx context.Context, schedule *types.BackupSchedule) error
	GetSchedule(ctx context.Context, id string) (*types.BackupSchedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*types.BackupSchedule, error)
	// ListActiveSchedules возвращает включенные расписания включенных политик
	ListActiveSchedules(ctx context.Context) ([]*types.BackupSchedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun *time.Time) error
	DeleteSchedule(ctx context.Context, id string) error

	CreateJob(ctx context.Context, job *types.BackupJob) error
	GetJob(ctx context.Context, id string) (*types.BackupJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.BackupJob, error)
	// StartJob переводит задачу из pending в running
	StartJob(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// UpdateJobProgress обновляет прогресс только у выполняющейся задачи
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	// CompleteJob переводит задачу из running в completed
	CompleteJob(ctx context.Context, id string, completion JobCompletion) (bool, error)
	// FailJob переводит задачу из pending или running в failed
	FailJob(ctx context.Context, id string, message string, failedAt time.Time) (bool, error)
	// CancelJob переводит задачу из running в cancelled
	CancelJob(ctx context.Context, id string) (bool, error)
	UpdateJobMetadata(ctx context.Context, id string, metadata types.JobMetadata) error
	DeleteJob(ctx context.Context, id string) error
	// LastCompletedJob возвращает последнюю завершенную задачу политики.
	// Если типы переданы, учитываются только задачи этих типов.
	LastCompletedJob(ctx context.Context, configID string, backupTypes ...types.BackupType) (*types.BackupJob, error)
}
