package scheduler

import (
	"context"
	"testing"
	"time"

	"sitebackup/internal/core/store"
	"sitebackup/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupOldBackups_ZeroRetentionIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true})

	old := writeArtifact(t, t.TempDir(), "old.sql", "dump")
	env.seedCompletedJob(t, "cfg-1", types.BackupTypeFull, time.Now().UTC().Add(-365*24*time.Hour), old, nil)

	deleted, err := env.scheduler.CleanupOldBackups(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.FileExists(t, old)
}

func TestCleanupOldBackups(t *testing.T) {
	publisher := &fakePublisher{}
	env := newTestEnv(t, func(d *Dependencies) { d.Publisher = publisher })
	ctx := context.Background()
	cfg := env.seedConfig(t, &types.BackupConfig{ID: "cfg-1", Enabled: true, IncludeDatabase: true, RetentionDays: 7})
	env.seedConfig(t, &types.BackupConfig{ID: "cfg-2", Enabled: true, IncludeDatabase: true, RetentionDays: 7})

	dir := t.TempDir()
	now := time.Now().UTC()

	oldArchive := writeArtifact(t, dir, "old.tar.gz", "archive")
	oldDump := writeArtifact(t, dir, "old.sql", "dump")
	combined := env.seedCompletedJob(t, "cfg-1", types.BackupTypeFull, now.Add(-10*24*time.Hour), oldArchive, types.JobMetadata{
		"database_file_path":  oldDump,
		"remote_type":         "s3",
		"remote_bucket":       "backups",
		"remote_key":          "site/old.tar.gz",
		"database_remote_key": "site/old.sql",
	})

	// файл уже удален вручную, запись все равно должна исчезнуть
	gone := env.seedCompletedJob(t, "cfg-1", types.BackupTypeFull, now.Add(-9*24*time.Hour), dir+"/missing.sql", nil)

	fresh := writeArtifact(t, dir, "fresh.sql", "dump")
	freshJob := env.seedCompletedJob(t, "cfg-1", types.BackupTypeFull, now.Add(-time.Hour), fresh, nil)

	otherOld := writeArtifact(t, dir, "other.sql", "dump")
	otherJob := env.seedCompletedJob(t, "cfg-2", types.BackupTypeFull, now.Add(-30*24*time.Hour), otherOld, nil)

	failed := &types.BackupJob{ID: "failed-old", ConfigID: "cfg-1", Type: types.BackupTypeFull, Trigger: types.JobTriggerManual}
	require.NoError(t, env.store.CreateJob(ctx, failed))
	_, err := env.store.FailJob(ctx, failed.ID, "ошибка", now.Add(-20*24*time.Hour))
	require.NoError(t, err)

	deleted, err := env.scheduler.CleanupOldBackups(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	for _, id := range []string{combined.ID, gone.ID} {
		_, err := env.store.GetJob(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.NoFileExists(t, oldArchive)
	assert.NoFileExists(t, oldDump)

	assert.FileExists(t, fresh)
	assert.FileExists(t, otherOld)
	for _, id := range []string{freshJob.ID, otherJob.ID, failed.ID} {
		_, err := env.store.GetJob(ctx, id)
		assert.NoError(t, err)
	}

	require.Len(t, publisher.removed, 2)
	assert.Equal(t, "site/old.tar.gz", publisher.removed[0].Key)
	assert.Equal(t, "site/old.sql", publisher.removed[1].Key)
	assert.Equal(t, types.LocationS3, publisher.removed[0].Type)
	assert.Equal(t, "backups", publisher.removed[0].Bucket)

	deleted, err = env.scheduler.CleanupOldBackups(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
