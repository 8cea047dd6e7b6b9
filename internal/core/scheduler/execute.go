package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitebackup/internal/core/backup"
	"sitebackup/internal/core/store"
	"sitebackup/internal/logger"
	"sitebackup/pkg/types"

	"github.com/google/uuid"
)

type strategy string

const (
	strategyCombined strategy = "combined"
	strategyDatabase strategy = "database"
	strategyFiles    strategy = "files"
	strategyNone     strategy = "none"
)

func strategyFor(cfg *types.BackupConfig) strategy {
	switch {
	case cfg.IncludeDatabase && cfg.IncludeFiles:
		return strategyCombined
	case cfg.IncludeDatabase:
		return strategyDatabase
	case cfg.IncludeFiles:
		return strategyFiles
	default:
		return strategyNone
	}
}

// ExecuteManualBackup синхронно выполняет бэкап по политике. Ошибка возвращается
// только если задача не была запущена; итог выполнения хранится в записи задачи.
func (s *Scheduler) ExecuteManualBackup(ctx context.Context, configID string) (string, error) {
	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
		}
		return "", fmt.Errorf("ошибка получения политики: %w", err)
	}
	if !cfg.Enabled {
		return "", fmt.Errorf("%w: %s", ErrConfigDisabled, configID)
	}

	if err := s.claim(ctx, configID); err != nil {
		return "", err
	}
	defer s.release(configID)

	job, err := s.createJob(ctx, cfg, types.JobTriggerManual, "")
	if err != nil {
		return "", err
	}

	s.executeBackup(ctx, job, cfg)
	return job.ID, nil
}

// ExecuteScheduledBackup выполняет бэкап по срабатыванию таймера. Занятая,
// отсутствующая или выключенная политика пропускается с записью в лог.
func (s *Scheduler) ExecuteScheduledBackup(ctx context.Context, configID, scheduleID string) {
	firedAt := s.now()

	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		s.logger.WarnContext(ctx, "Политика для расписания недоступна",
			"config_id", configID,
			"schedule_id", scheduleID,
			"error", err.Error())
		return
	}
	if !cfg.Enabled {
		s.logger.DebugContext(ctx, "Политика выключена, запуск пропущен",
			"config_id", configID,
			"schedule_id", scheduleID)
		return
	}

	if err := s.claim(ctx, configID); err != nil {
		s.logger.WarnContext(ctx, "Предыдущий бэкап еще выполняется, запуск пропущен",
			"config_id", configID,
			"schedule_id", scheduleID,
			"error", err.Error())
		return
	}
	defer s.release(configID)

	job, err := s.createJob(ctx, cfg, types.JobTriggerScheduled, scheduleID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Ошибка создания задачи по расписанию",
			"config_id", configID,
			"schedule_id", scheduleID,
			"error", err.Error())
		return
	}

	s.executeBackup(ctx, job, cfg)
	s.recordScheduleRun(ctx, scheduleID, firedAt)
}

// claim занимает политику в реестре процесса и проверяет по хранилищу, что
// задача по ней не выполняется в другом процессе (например, sitebackup run
// рядом с serve). Задача, оставшаяся в running после аварийного завершения,
// блокирует политику, пока ее не отменят.
func (s *Scheduler) claim(ctx context.Context, configID string) error {
	if err := s.acquire(configID); err != nil {
		return err
	}

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		ConfigID: configID,
		Status:   types.JobStatusRunning,
		Limit:    1,
	})
	if err != nil {
		s.release(configID)
		return fmt.Errorf("ошибка проверки выполняющихся задач: %w", err)
	}
	if len(jobs) > 0 {
		s.release(configID)
		return fmt.Errorf("%w: задача %s", ErrAlreadyRunning, jobs[0].ID)
	}
	return nil
}

func (s *Scheduler) createJob(ctx context.Context, cfg *types.BackupConfig, trigger types.JobTrigger, scheduleID string) (*types.BackupJob, error) {
	job := &types.BackupJob{
		ID:         uuid.New().String(),
		ConfigID:   cfg.ID,
		ScheduleID: scheduleID,
		Type:       cfg.Type,
		Trigger:    trigger,
		Status:     types.JobStatusPending,
		CreatedAt:  s.now(),
	}
	if job.Type == "" {
		job.Type = types.BackupTypeFull
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("ошибка создания задачи: %w", err)
	}
	return job, nil
}

// executeBackup общий путь выполнения задачи. Любая ошибка или паника
// превращается в задачу со статусом failed.
func (s *Scheduler) executeBackup(ctx context.Context, job *types.BackupJob, cfg *types.BackupConfig) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.attach(cfg.ID, job.ID, cancel)

	jl := s.logger.ForJob(job.ID, cfg.ID)
	started := time.Now()
	status := types.JobStatusFailed

	s.metrics.JobStarted()
	defer func() {
		s.metrics.JobFinished(string(job.Trigger), string(status), time.Since(started))
	}()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("паника при выполнении бэкапа: %v", r)
			jl.LogJobError(ctx, err, "panic")
			// после CompleteJob задача уже в конечном статусе
			if status == types.JobStatusFailed {
				status = s.failJob(ctx, job.ID, err)
			}
		}
	}()

	ok, err := s.store.StartJob(ctx, job.ID, s.now())
	if err != nil {
		jl.LogJobError(ctx, err, "start")
		status = s.failJob(ctx, job.ID, err)
		return
	}
	if !ok {
		jl.Warn("Задача уже не в статусе pending, выполнение пропущено")
		status = types.JobStatusCancelled
		return
	}

	strat := strategyFor(cfg)
	jl.LogJobStart(ctx, string(job.Trigger), string(strat))

	result, err := s.runStrategy(runCtx, job, cfg, strat)
	if err != nil {
		jl.LogJobError(ctx, err, string(strat))
		status = s.failJob(ctx, job.ID, err)
		return
	}
	if result.Metadata == nil {
		result.Metadata = types.JobMetadata{}
	}
	result.Metadata["strategy"] = string(strat)

	encrypted := false
	if cfg.Encryption {
		if err := s.encryptResult(runCtx, result); err != nil {
			jl.LogJobError(ctx, err, "encrypt")
			status = s.failJob(ctx, job.ID, err)
			return
		}
		encrypted = true
	}

	if err := s.publishResult(runCtx, cfg, result); err != nil {
		jl.LogJobError(ctx, err, "publish")
		status = s.failJob(ctx, job.ID, err)
		return
	}

	ok, err = s.store.CompleteJob(ctx, job.ID, store.JobCompletion{
		FilePath:       result.FilePath,
		FileSize:       result.Size,
		CompressedSize: result.CompressedSize,
		Metadata:       result.Metadata,
		CompletedAt:    s.now(),
	})
	if err != nil {
		jl.LogJobError(ctx, err, "complete")
		status = s.failJob(ctx, job.ID, err)
		return
	}
	if !ok {
		jl.Info("Задача была отменена, результат не записан", "file_path", result.FilePath)
		status = types.JobStatusCancelled
		return
	}
	status = types.JobStatusCompleted

	jl.LogJobComplete(ctx, logger.JobResult{
		FilePath:       result.FilePath,
		Size:           result.Size,
		CompressedSize: result.CompressedSize,
		FilesCount:     result.FilesCount,
		Duration:       time.Since(started),
		Encrypted:      encrypted,
	})

	s.validateResult(ctx, job.ID, strat, result, encrypted)

	if _, err := s.CleanupOldBackups(ctx, cfg); err != nil {
		jl.Warn("Ошибка очистки старых бэкапов", "error", err.Error())
	}
}

// failJob переводит задачу в failed и возвращает итоговый статус
func (s *Scheduler) failJob(ctx context.Context, jobID string, cause error) types.JobStatus {
	ok, err := s.store.FailJob(ctx, jobID, cause.Error(), s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "Ошибка записи сбоя задачи",
			"job_id", jobID,
			"cause", cause.Error(),
			"error", err.Error())
		return types.JobStatusFailed
	}
	if !ok {
		return types.JobStatusCancelled
	}
	return types.JobStatusFailed
}

// progressFunc переводит прогресс этапа в диапазон [from, to] общего прогресса
// задачи, сохраняет его и пишет в лог при изменении.
func (s *Scheduler) progressFunc(ctx context.Context, job *types.BackupJob, from, to int) types.ProgressFunc {
	jl := s.logger.ForJob(job.ID, job.ConfigID)
	last := -1
	return func(percent int) {
		percent = max(0, min(100, percent))
		scaled := from + (to-from)*percent/100
		if err := s.store.UpdateJobProgress(ctx, job.ID, scaled); err != nil {
			jl.DebugContext(ctx, "Ошибка обновления прогресса", "error", err.Error())
		}
		if scaled != last {
			last = scaled
			jl.LogJobProgress(ctx, scaled)
		}
	}
}

func (s *Scheduler) runStrategy(ctx context.Context, job *types.BackupJob, cfg *types.BackupConfig, strat strategy) (*types.BackupResult, error) {
	switch strat {
	case strategyDatabase:
		return s.runDatabase(ctx, job, cfg, s.progressFunc(ctx, job, 0, 100))
	case strategyFiles:
		return s.files.CreateBackup(ctx, job.ID, fileOptions(cfg), cfg.Location, s.progressFunc(ctx, job, 0, 100))
	case strategyCombined:
		return s.runCombined(ctx, job, cfg)
	default:
		return nil, ErrNothingToBackup
	}
}

// runCombined выполняет бэкап базы, затем файлов. Сбой базы прерывает выполнение.
func (s *Scheduler) runCombined(ctx context.Context, job *types.BackupJob, cfg *types.BackupConfig) (*types.BackupResult, error) {
	dbResult, err := s.runDatabase(ctx, job, cfg, s.progressFunc(ctx, job, 0, 50))
	if err != nil {
		return nil, fmt.Errorf("ошибка бэкапа базы данных: %w", err)
	}

	fileResult, err := s.files.CreateBackup(ctx, job.ID, fileOptions(cfg), cfg.Location, s.progressFunc(ctx, job, 50, 100))
	if err != nil {
		if dbResult.FilePath != "" {
			os.Remove(dbResult.FilePath)
		}
		return nil, fmt.Errorf("ошибка бэкапа файлов: %w", err)
	}

	metadata := types.JobMetadata{
		"database": dbResult.Metadata,
		"files":    fileResult.Metadata,
	}
	if dbResult.FilePath != "" {
		metadata["database_file_path"] = dbResult.FilePath
	}

	return &types.BackupResult{
		FilePath:       fileResult.FilePath,
		Size:           dbResult.Size + fileResult.Size,
		CompressedSize: dbResult.CompressedSize + fileResult.CompressedSize,
		FilesCount:     fileResult.FilesCount,
		Metadata:       metadata,
	}, nil
}

// databaseOptions параметры дампа с учетом сжатия, заданного на уровне политики
func databaseOptions(cfg *types.BackupConfig) types.DatabaseBackupOptions {
	opts := cfg.Database
	if opts.Compression == "" {
		switch cfg.Compression {
		case types.CompressionGzip, types.CompressionTarGz:
			opts.Compression = types.CompressionGzip
		default:
			opts.Compression = types.CompressionNone
		}
	}
	return opts
}

func fileOptions(cfg *types.BackupConfig) types.FileBackupOptions {
	opts := cfg.Files
	if opts.Compression == "" {
		opts.Compression = cfg.Compression
	}
	return opts
}

// runDatabase выбирает полный или инкрементальный бэкап по типу политики
func (s *Scheduler) runDatabase(ctx context.Context, job *types.BackupJob, cfg *types.BackupConfig, progress types.ProgressFunc) (*types.BackupResult, error) {
	switch cfg.Type {
	case types.BackupTypeIncremental:
		since, err := s.GetLastBackupTime(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения времени последнего бэкапа: %w", err)
		}
		return s.database.CreateIncrementalBackup(ctx, job.ID, since, databaseOptions(cfg), cfg.Location, progress)

	case types.BackupTypeDifferential:
		since := types.EpochSentinel
		last, err := s.store.LastCompletedJob(ctx, cfg.ID, types.BackupTypeFull)
		switch {
		case err == nil && last.CompletedAt != nil:
			since = *last.CompletedAt
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("ошибка получения последнего полного бэкапа: %w", err)
		}
		return s.database.CreateIncrementalBackup(ctx, job.ID, since, databaseOptions(cfg), cfg.Location, progress)

	default:
		return s.database.CreateFullBackup(ctx, job.ID, databaseOptions(cfg), cfg.Location, progress)
	}
}

// encryptResult шифрует артефакты и заменяет пути на зашифрованные
func (s *Scheduler) encryptResult(ctx context.Context, result *types.BackupResult) error {
	if s.encryptor == nil || !s.encryptor.Enabled() {
		return backup.ErrNoPassphrase
	}

	encrypt := func(path string) (string, int64, error) {
		out := path + backup.EncryptedExt
		if err := s.encryptor.EncryptFile(ctx, path, out); err != nil {
			return "", 0, fmt.Errorf("ошибка шифрования %s: %w", filepath.Base(path), err)
		}
		if err := os.Remove(path); err != nil {
			return "", 0, fmt.Errorf("ошибка удаления незашифрованного артефакта: %w", err)
		}
		info, err := os.Stat(out)
		if err != nil {
			return "", 0, fmt.Errorf("ошибка получения информации о файле: %w", err)
		}
		return out, info.Size(), nil
	}

	var total int64
	if result.FilePath != "" {
		path, size, err := encrypt(result.FilePath)
		if err != nil {
			return err
		}
		result.FilePath = path
		total += size
	}
	if dbPath, ok := result.Metadata["database_file_path"].(string); ok && dbPath != "" {
		path, size, err := encrypt(dbPath)
		if err != nil {
			return err
		}
		result.Metadata["database_file_path"] = path
		total += size
	}

	if total > 0 {
		result.CompressedSize = total
	}
	result.Metadata["encryption"] = s.encryptor.Metadata()
	return nil
}

// publishResult загружает артефакты в удаленное хранилище, если оно указано в политике
func (s *Scheduler) publishResult(ctx context.Context, cfg *types.BackupConfig, result *types.BackupResult) error {
	if s.publisher == nil || cfg.Location.Type == "" || cfg.Location.Type == types.LocationLocal {
		return nil
	}

	if result.FilePath != "" {
		obj, err := s.publisher.Publish(ctx, cfg.Location, result.FilePath)
		if err != nil {
			return err
		}
		if obj != nil {
			result.Metadata["remote_type"] = string(obj.Type)
			result.Metadata["remote_bucket"] = obj.Bucket
			result.Metadata["remote_key"] = obj.Key
		}
	}

	if dbPath, ok := result.Metadata["database_file_path"].(string); ok && dbPath != "" {
		obj, err := s.publisher.Publish(ctx, cfg.Location, dbPath)
		if err != nil {
			return err
		}
		if obj != nil {
			result.Metadata["remote_type"] = string(obj.Type)
			result.Metadata["remote_bucket"] = obj.Bucket
			result.Metadata["database_remote_key"] = obj.Key
		}
	}
	return nil
}

// validateResult проверяет артефакт после завершения задачи. Результат
// сохраняется в метаданных и не меняет статус задачи.
func (s *Scheduler) validateResult(ctx context.Context, jobID string, strat strategy, result *types.BackupResult, encrypted bool) {
	validation := map[string]any{"validated_at": s.now().Format(time.RFC3339)}

	switch {
	case result.FilePath == "":
		validation["valid"] = true
		validation["skipped"] = true

	case strat == strategyCombined:
		_, err := os.Stat(result.FilePath)
		validation["valid"] = err == nil
		validation["skipped"] = true

	default:
		err := s.validateArtifact(ctx, strat, result.FilePath, encrypted)
		validation["valid"] = err == nil
		if err != nil {
			validation["error"] = err.Error()
			s.logger.WarnContext(ctx, "Проверка бэкапа не пройдена",
				"job_id", jobID,
				"file_path", result.FilePath,
				"error", err.Error())
		}
	}

	result.Metadata["validation"] = validation
	if err := s.store.UpdateJobMetadata(ctx, jobID, result.Metadata); err != nil {
		s.logger.WarnContext(ctx, "Ошибка сохранения результата проверки",
			"job_id", jobID,
			"error", err.Error())
	}
}

func (s *Scheduler) validateArtifact(ctx context.Context, strat strategy, path string, encrypted bool) error {
	if encrypted {
		tmpDir, err := os.MkdirTemp("", "sitebackup-validate-")
		if err != nil {
			return fmt.Errorf("ошибка создания временного каталога: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		plain := filepath.Join(tmpDir, strings.TrimSuffix(filepath.Base(path), backup.EncryptedExt))
		if err := s.encryptor.DecryptFile(ctx, path, plain); err != nil {
			return fmt.Errorf("ошибка расшифровки для проверки: %w", err)
		}
		path = plain
	}

	if strat == strategyFiles {
		return s.files.ValidateBackup(ctx, path)
	}
	return s.database.ValidateBackup(ctx, path)
}
