package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitebackup/internal/core/backup"
	"sitebackup/internal/core/config"
	"sitebackup/internal/core/store"
	"sitebackup/internal/logger"
	"sitebackup/internal/metrics"
	"sitebackup/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var anyArgs5 = []any{mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything}

func (e *testEnv) job(t *testing.T, id string) *types.BackupJob {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func validationOf(t *testing.T, job *types.BackupJob) map[string]any {
	t.Helper()
	v, ok := job.Metadata["validation"].(map[string]any)
	require.True(t, ok, "нет результата проверки в метаданных")
	return v
}

func TestExecuteManualBackup_DatabaseFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, func(d *Dependencies) { d.Metrics = metrics.NewRecorder(reg) })
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{
		ID:              "cfg-1",
		Enabled:         true,
		IncludeDatabase: true,
		Compression:     types.CompressionGzip,
	})

	artifact := writeArtifact(t, t.TempDir(), "db.sql.gz", "dump")
	env.database.On("CreateFullBackup", mock.Anything, mock.Anything,
		mock.MatchedBy(func(o types.DatabaseBackupOptions) bool { return o.Compression == types.CompressionGzip }),
		mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(4).(types.ProgressFunc)(50)
		}).
		Return(&types.BackupResult{
			FilePath:       artifact,
			Size:           100,
			CompressedSize: 4,
			Metadata:       types.JobMetadata{"driver": "sqlite3"},
		}, nil)
	env.database.On("ValidateBackup", mock.Anything, artifact).Return(nil)

	jobID, err := env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, types.JobTriggerManual, job.Trigger)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, artifact, job.FilePath)
	assert.Equal(t, int64(100), job.FileSize)
	assert.Equal(t, int64(4), job.CompressedSize)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, "database", job.Metadata["strategy"])
	assert.Equal(t, "sqlite3", job.Metadata["driver"])
	assert.Equal(t, true, validationOf(t, job)["valid"])

	assert.False(t, env.scheduler.IsRunning("cfg-1"))
	env.database.AssertExpectations(t)

	count, err := testutil.GatherAndCount(reg, "sitebackup_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExecuteManualBackup_UnknownOrDisabledConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-off", Enabled: false, IncludeDatabase: true})

	_, err := env.scheduler.ExecuteManualBackup(ctx, "missing")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = env.scheduler.ExecuteManualBackup(ctx, "cfg-off")
	assert.ErrorIs(t, err, ErrConfigDisabled)

	jobs, err := env.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestExecuteManualBackup_NothingToBackup(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true})

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, ErrNothingToBackup.Error(), job.ErrorMessage)
	env.database.AssertNotCalled(t, "CreateFullBackup", anyArgs5...)
	env.files.AssertNotCalled(t, "CreateBackup", anyArgs5...)
}

func TestExecuteManualBackup_RejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})

	release := make(chan struct{})
	env.database.On("CreateFullBackup", anyArgs5...).
		Run(func(mock.Arguments) { <-release }).
		Return(&types.BackupResult{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		jobs, err := env.scheduler.GetRunningJobs(ctx)
		return err == nil && len(jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)

	jobs, err := env.store.ListJobs(ctx, store.JobFilter{ConfigID: "cfg-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusCompleted, jobs[0].Status)
	env.database.AssertNumberOfCalls(t, "CreateFullBackup", 1)
}

func TestExecuteManualBackup_CancelledJobStaysCancelled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})

	release := make(chan struct{})
	var backupCtx context.Context
	env.database.On("CreateFullBackup", anyArgs5...).
		Run(func(args mock.Arguments) {
			backupCtx = args.Get(0).(context.Context)
			<-release
		}).
		Return(&types.BackupResult{FilePath: "/tmp/never-recorded.sql"}, nil)

	done := make(chan string, 1)
	go func() {
		jobID, _ := env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
		done <- jobID
	}()

	var running []*types.BackupJob
	require.Eventually(t, func() bool {
		var err error
		running, err = env.scheduler.GetRunningJobs(ctx)
		return err == nil && len(running) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := env.scheduler.CancelJob(ctx, running[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	jobID := <-done

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
	assert.Empty(t, job.FilePath)
	assert.NoError(t, backupCtx.Err())
	env.database.AssertNotCalled(t, "ValidateBackup", mock.Anything, mock.Anything)
}

func TestExecuteManualBackup_TerminateOnCancel(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.TerminateOnCancel = true })
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})

	env.database.On("CreateFullBackup", anyArgs5...).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	done := make(chan string, 1)
	go func() {
		jobID, _ := env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
		done <- jobID
	}()

	var running []*types.BackupJob
	require.Eventually(t, func() bool {
		var err error
		running, err = env.scheduler.GetRunningJobs(ctx)
		return err == nil && len(running) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := env.scheduler.CancelJob(ctx, running[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case jobID := <-done:
		job := env.job(t, jobID)
		assert.Equal(t, types.JobStatusCancelled, job.Status)
		assert.Empty(t, job.ErrorMessage)
	case <-time.After(2 * time.Second):
		t.Fatal("бэкап не прерван после отмены")
	}
}

func TestExecuteManualBackup_PanicMarksFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})

	env.database.On("CreateFullBackup", anyArgs5...).
		Run(func(mock.Arguments) { panic("сбой драйвера") }).
		Return(nil, nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "паника")
	assert.Contains(t, job.ErrorMessage, "сбой драйвера")
	assert.False(t, env.scheduler.IsRunning("cfg-1"))
}

func TestExecuteManualBackup_PanicAfterCompletionKeepsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, func(d *Dependencies) { d.Metrics = metrics.NewRecorder(reg) })
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeFiles: true})

	artifact := writeArtifact(t, t.TempDir(), "site.tar.gz", "archive")
	env.files.On("CreateBackup", anyArgs5...).Return(&types.BackupResult{FilePath: artifact, Size: 7}, nil)
	env.files.On("ValidateBackup", mock.Anything, artifact).
		Run(func(mock.Arguments) { panic("сбой проверки") }).
		Return(nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, artifact, job.FilePath)
	assert.False(t, env.scheduler.IsRunning("cfg-1"))

	expected := `
# HELP sitebackup_jobs_total Total number of finished backup jobs
# TYPE sitebackup_jobs_total counter
sitebackup_jobs_total{status="completed",trigger="manual"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sitebackup_jobs_total"))
}

func TestExecuteManualBackup_RejectsJobRunningElsewhere(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})

	// задача другого процесса с той же базой задач
	other := &types.BackupJob{
		ID:       "other-process",
		ConfigID: "cfg-1",
		Type:     types.BackupTypeFull,
		Trigger:  types.JobTriggerManual,
		Status:   types.JobStatusPending,
	}
	require.NoError(t, env.store.CreateJob(ctx, other))
	ok, err := env.store.StartJob(ctx, other.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, env.scheduler.IsRunning("cfg-1"))

	env.scheduler.ExecuteScheduledBackup(ctx, "cfg-1", "sch-1")

	jobs, err := env.store.ListJobs(ctx, store.JobFilter{ConfigID: "cfg-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, other.ID, jobs[0].ID)
	env.database.AssertNotCalled(t, "CreateFullBackup", anyArgs5...)

	// после отмены зависшей задачи политика снова доступна
	ok, err = env.scheduler.CancelJob(ctx, other.ID)
	require.NoError(t, err)
	require.True(t, ok)

	env.database.On("CreateFullBackup", anyArgs5...).Return(&types.BackupResult{}, nil)
	jobID, err := env.scheduler.ExecuteManualBackup(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, env.job(t, jobID).Status)
}

func TestExecuteManualBackup_LogsScaledProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true, IncludeFiles: true})

	var buf bytes.Buffer
	cfg := logger.DefaultLogConfig()
	cfg.Level = slog.LevelDebug
	cfg.Format = "json"
	cfg.Writer = &buf
	sched := New(Dependencies{Store: env.store, Database: env.database, Files: env.files},
		logger.NewStructuredLoggerWithConfig("test", cfg))

	env.database.On("CreateFullBackup", anyArgs5...).
		Run(func(args mock.Arguments) {
			progress := args.Get(4).(types.ProgressFunc)
			progress(40)
			progress(40)
			progress(100)
		}).
		Return(&types.BackupResult{}, nil)
	env.files.On("CreateBackup", anyArgs5...).
		Run(func(args mock.Arguments) { args.Get(4).(types.ProgressFunc)(50) }).
		Return(&types.BackupResult{}, nil)

	jobID, err := sched.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	var logged []float64
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if p, ok := entry["progress_percent"].(float64); ok {
			assert.Equal(t, jobID, entry["job_id"])
			assert.Equal(t, "cfg-1", entry["config_id"])
			logged = append(logged, p)
		}
	}
	// база занимает первую половину общего прогресса, файлы вторую
	assert.Equal(t, []float64{20, 50, 75}, logged)
}

func TestExecuteManualBackup_IncrementalFirstRunUsesEpoch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{
		ID:              "cfg-1",
		Type:            types.BackupTypeIncremental,
		Enabled:         true,
		IncludeDatabase: true,
	})

	env.database.On("CreateIncrementalBackup", mock.Anything, mock.Anything, types.EpochSentinel,
		mock.Anything, mock.Anything, mock.Anything).
		Return(&types.BackupResult{Metadata: types.JobMetadata{"modified_tables": []string{}}}, nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, types.BackupTypeIncremental, job.Type)
	assert.Empty(t, job.FilePath)
	assert.Equal(t, true, validationOf(t, job)["skipped"])
	env.database.AssertExpectations(t)
	env.database.AssertNotCalled(t, "ValidateBackup", mock.Anything, mock.Anything)
}

func TestExecuteManualBackup_IncrementalSinceLastCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{
		ID:              "cfg-1",
		Type:            types.BackupTypeIncremental,
		Enabled:         true,
		IncludeDatabase: true,
	})

	completedAt := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	env.seedCompletedJob(t, "cfg-1", types.BackupTypeIncremental, completedAt, "", nil)

	env.database.On("CreateIncrementalBackup", mock.Anything, mock.Anything,
		mock.MatchedBy(func(since time.Time) bool { return since.Equal(completedAt) }),
		mock.Anything, mock.Anything, mock.Anything).
		Return(&types.BackupResult{}, nil)

	_, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)
	env.database.AssertExpectations(t)
}

func TestExecuteManualBackup_DifferentialSinceLastFull(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{
		ID:              "cfg-1",
		Type:            types.BackupTypeDifferential,
		Enabled:         true,
		IncludeDatabase: true,
	})

	fullAt := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	env.seedCompletedJob(t, "cfg-1", types.BackupTypeFull, fullAt, "", nil)
	env.seedCompletedJob(t, "cfg-1", types.BackupTypeDifferential, fullAt.Add(24*time.Hour), "", nil)

	env.database.On("CreateIncrementalBackup", mock.Anything, mock.Anything,
		mock.MatchedBy(func(since time.Time) bool { return since.Equal(fullAt) }),
		mock.Anything, mock.Anything, mock.Anything).
		Return(&types.BackupResult{}, nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, env.job(t, jobID).Status)
	env.database.AssertExpectations(t)
}

func TestExecuteManualBackup_ValidationFailureKeepsCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeFiles: true})

	artifact := writeArtifact(t, t.TempDir(), "site.tar.gz", "not a gzip")
	env.files.On("CreateBackup", anyArgs5...).
		Return(&types.BackupResult{FilePath: artifact, Size: 10, FilesCount: 2}, nil)
	env.files.On("ValidateBackup", mock.Anything, artifact).Return(errors.New("архив поврежден"))

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, "files", job.Metadata["strategy"])
	validation := validationOf(t, job)
	assert.Equal(t, false, validation["valid"])
	assert.Equal(t, "архив поврежден", validation["error"])
}

func TestExecuteManualBackup_CombinedStopsOnDatabaseFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true, IncludeFiles: true})

	env.database.On("CreateFullBackup", anyArgs5...).Return(nil, errors.New("pg_dump: connection refused"))

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "ошибка бэкапа базы данных")
	assert.Contains(t, job.ErrorMessage, "connection refused")
	env.files.AssertNotCalled(t, "CreateBackup", anyArgs5...)
}

func TestExecuteManualBackup_CombinedRemovesDumpOnFilesFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true, IncludeFiles: true})

	dump := writeArtifact(t, t.TempDir(), "db.sql", "dump")
	env.database.On("CreateFullBackup", anyArgs5...).Return(&types.BackupResult{FilePath: dump, Size: 4}, nil)
	env.files.On("CreateBackup", anyArgs5...).Return(nil, backup.ErrNoFiles)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "ошибка бэкапа файлов")
	assert.NoFileExists(t, dump)
}

func TestExecuteManualBackup_Combined(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true, IncludeFiles: true})

	dir := t.TempDir()
	dump := writeArtifact(t, dir, "db.sql", "dump")
	archive := writeArtifact(t, dir, "site.tar.gz", "archive")

	var progress []int
	env.database.On("CreateFullBackup", anyArgs5...).
		Run(func(args mock.Arguments) { args.Get(4).(types.ProgressFunc)(100) }).
		Return(&types.BackupResult{FilePath: dump, Size: 40, CompressedSize: 40, Metadata: types.JobMetadata{"driver": "postgres"}}, nil)
	env.files.On("CreateBackup", anyArgs5...).
		Run(func(args mock.Arguments) {
			job, err := env.store.ListJobs(context.Background(), store.JobFilter{ConfigID: "cfg-1"})
			require.NoError(t, err)
			progress = append(progress, job[0].Progress)
		}).
		Return(&types.BackupResult{FilePath: archive, Size: 60, CompressedSize: 20, FilesCount: 3,
			Metadata: types.JobMetadata{"files_count": 3}}, nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, archive, job.FilePath)
	assert.Equal(t, int64(100), job.FileSize)
	assert.Equal(t, int64(60), job.CompressedSize)
	assert.Equal(t, "combined", job.Metadata["strategy"])
	assert.Equal(t, dump, job.Metadata["database_file_path"])
	assert.Contains(t, job.Metadata, "database")
	assert.Contains(t, job.Metadata, "files")
	assert.Equal(t, []int{50}, progress)

	validation := validationOf(t, job)
	assert.Equal(t, true, validation["valid"])
	assert.Equal(t, true, validation["skipped"])
	env.files.AssertNotCalled(t, "ValidateBackup", mock.Anything, mock.Anything)
}

func TestExecuteManualBackup_EncryptsAndValidatesDecrypted(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) {
		d.Encryptor = backup.NewEncryptor(config.EncryptionConfig{Passphrase: "секретная фраза"})
	})
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeFiles: true, Encryption: true})

	const content = "содержимое архива сайта"
	artifact := writeArtifact(t, t.TempDir(), "site.tar.gz", content)
	env.files.On("CreateBackup", anyArgs5...).
		Return(&types.BackupResult{FilePath: artifact, Size: int64(len(content))}, nil)

	var validated string
	env.files.On("ValidateBackup", mock.Anything,
		mock.MatchedBy(func(p string) bool { return filepath.Base(p) == "site.tar.gz" && p != artifact })).
		Run(func(args mock.Arguments) {
			data, err := os.ReadFile(args.String(1))
			require.NoError(t, err)
			validated = string(data)
		}).
		Return(nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, artifact+backup.EncryptedExt, job.FilePath)
	assert.FileExists(t, job.FilePath)
	assert.NoFileExists(t, artifact)
	assert.Contains(t, job.Metadata, "encryption")
	assert.Equal(t, content, validated)
	assert.Equal(t, true, validationOf(t, job)["valid"])
}

func TestExecuteManualBackup_EncryptionWithoutPassphrase(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeFiles: true, Encryption: true})

	artifact := writeArtifact(t, t.TempDir(), "site.tar.gz", "archive")
	env.files.On("CreateBackup", anyArgs5...).Return(&types.BackupResult{FilePath: artifact}, nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, backup.ErrNoPassphrase.Error(), job.ErrorMessage)
}

func TestExecuteManualBackup_PublishesRemote(t *testing.T) {
	publisher := &fakePublisher{}
	env := newTestEnv(t, func(d *Dependencies) { d.Publisher = publisher })
	env.seedConfig(t, &types.BackupConfig{
		ID:           "cfg-1",
		Enabled:      true,
		IncludeFiles: true,
		Location:     types.BackupLocation{Type: types.LocationS3, Bucket: "backups", Prefix: "site"},
	})

	artifact := writeArtifact(t, t.TempDir(), "site.zip", "archive")
	env.files.On("CreateBackup", anyArgs5...).Return(&types.BackupResult{FilePath: artifact}, nil)
	env.files.On("ValidateBackup", mock.Anything, artifact).Return(nil)

	jobID, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	job := env.job(t, jobID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, []string{artifact}, publisher.published)
	assert.Equal(t, "s3", job.Metadata["remote_type"])
	assert.Equal(t, "backups", job.Metadata["remote_bucket"])
	assert.Equal(t, "site/site.zip", job.Metadata["remote_key"])
}

func TestExecuteManualBackup_AppliesRetention(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true, RetentionDays: 1})

	old := writeArtifact(t, t.TempDir(), "old.sql", "old dump")
	oldJob := env.seedCompletedJob(t, "cfg-1", types.BackupTypeFull, time.Now().UTC().Add(-72*time.Hour), old, nil)

	env.database.On("CreateFullBackup", anyArgs5...).Return(&types.BackupResult{}, nil)

	_, err := env.scheduler.ExecuteManualBackup(context.Background(), "cfg-1")
	require.NoError(t, err)

	_, err = env.store.GetJob(context.Background(), oldJob.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoFileExists(t, old)
}

func TestExecuteScheduledBackup(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})
	require.NoError(t, env.store.CreateSchedule(ctx, &types.BackupSchedule{
		ID: "sch-1", ConfigID: "cfg-1", CronExpression: "0 3 * * *", Enabled: true,
	}))

	env.database.On("CreateFullBackup", anyArgs5...).Return(&types.BackupResult{}, nil)

	env.scheduler.ExecuteScheduledBackup(ctx, "cfg-1", "sch-1")

	jobs, err := env.store.ListJobs(ctx, store.JobFilter{ConfigID: "cfg-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobTriggerScheduled, jobs[0].Trigger)
	assert.Equal(t, "sch-1", jobs[0].ScheduleID)
	assert.Equal(t, types.JobStatusCompleted, jobs[0].Status)

	sch, err := env.store.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	require.NotNil(t, sch.LastRun)
	require.NotNil(t, sch.NextRun)
	assert.True(t, sch.NextRun.After(*sch.LastRun))
}

func TestExecuteScheduledBackup_SkipsDisabledOrBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-off", Enabled: false, IncludeDatabase: true})
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-busy", Enabled: true, IncludeDatabase: true})

	env.scheduler.ExecuteScheduledBackup(ctx, "cfg-off", "sch-1")
	env.scheduler.ExecuteScheduledBackup(ctx, "missing", "sch-2")

	require.NoError(t, env.scheduler.acquire("cfg-busy"))
	env.scheduler.ExecuteScheduledBackup(ctx, "cfg-busy", "sch-3")
	env.scheduler.release("cfg-busy")

	jobs, err := env.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	env.database.AssertNotCalled(t, "CreateFullBackup", anyArgs5...)
}

func TestDatabaseOptions_InheritsCompression(t *testing.T) {
	cfg := &types.BackupConfig{Compression: types.CompressionTarGz}
	assert.Equal(t, types.CompressionGzip, databaseOptions(cfg).Compression)
	assert.Equal(t, types.CompressionTarGz, fileOptions(cfg).Compression)

	cfg = &types.BackupConfig{
		Compression: types.CompressionZip,
		Database:    types.DatabaseBackupOptions{Compression: types.CompressionGzip},
		Files:       types.FileBackupOptions{Compression: types.CompressionTar},
	}
	assert.Equal(t, types.CompressionGzip, databaseOptions(cfg).Compression)
	assert.Equal(t, types.CompressionTar, fileOptions(cfg).Compression)

	cfg = &types.BackupConfig{Compression: types.CompressionZip}
	assert.Equal(t, types.CompressionNone, databaseOptions(cfg).Compression)
}
