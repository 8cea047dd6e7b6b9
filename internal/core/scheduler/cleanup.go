package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"sitebackup/internal/core/backup"
	"sitebackup/internal/core/store"
	"sitebackup/pkg/types"
)

// CleanupOldBackups удаляет успешные бэкапы старше retention_days вместе с файлами.
// Ошибки удаления отдельных бэкапов записываются в лог и не прерывают очистку.
func (s *Scheduler) CleanupOldBackups(ctx context.Context, cfg *types.BackupConfig) (int, error) {
	if cfg.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-time.Duration(cfg.RetentionDays) * 24 * time.Hour)
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		ConfigID:        cfg.ID,
		Status:          types.JobStatusCompleted,
		CompletedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка получения старых бэкапов: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	deleted := 0
	for _, job := range jobs {
		s.removeArtifacts(ctx, job)

		if err := s.store.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.WarnContext(ctx, "Ошибка удаления записи о бэкапе",
				"job_id", job.ID,
				"error", err.Error())
			continue
		}
		deleted++
	}

	s.metrics.BackupsDeleted(deleted)
	s.logger.InfoContext(ctx, "Очистка старых бэкапов завершена",
		"config_id", cfg.ID,
		"retention_days", cfg.RetentionDays,
		"deleted", deleted)

	return deleted, nil
}

// removeArtifacts удаляет локальные файлы и удаленные объекты задачи
func (s *Scheduler) removeArtifacts(ctx context.Context, job *types.BackupJob) {
	paths := []string{job.FilePath}
	if dbPath, ok := job.Metadata["database_file_path"].(string); ok {
		paths = append(paths, dbPath)
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WarnContext(ctx, "Ошибка удаления файла бэкапа",
				"job_id", job.ID,
				"file_path", path,
				"error", err.Error())
		}
	}

	if s.publisher == nil {
		return
	}
	remoteType, _ := job.Metadata["remote_type"].(string)
	bucket, _ := job.Metadata["remote_bucket"].(string)
	for _, field := range []string{"remote_key", "database_remote_key"} {
		key, _ := job.Metadata[field].(string)
		if remoteType == "" || key == "" {
			continue
		}
		obj := backup.RemoteObject{Type: types.LocationType(remoteType), Bucket: bucket, Key: key}
		if err := s.publisher.Remove(ctx, obj); err != nil {
			s.logger.WarnContext(ctx, "Ошибка удаления удаленного бэкапа",
				"job_id", job.ID,
				"key", key,
				"error", err.Error())
		}
	}
}
