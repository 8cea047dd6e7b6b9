package backup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sitebackup/internal/logger"
	"sitebackup/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjectStore struct {
	uploads map[string]string
	deleted []string
	failOn  string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{uploads: make(map[string]string)}
}

func (f *fakeObjectStore) Upload(_ context.Context, bucket, key, localPath string) error {
	if key == f.failOn {
		return errors.New("access denied")
	}
	f.uploads[bucket+"/"+key] = localPath
	return nil
}

func (f *fakeObjectStore) Delete(_ context.Context, bucket, key string) error {
	f.deleted = append(f.deleted, bucket+"/"+key)
	return nil
}

func (f *fakeObjectStore) DefaultBucket() string { return "site-backups" }

func TestLocations_Check(t *testing.T) {
	l := NewLocations(t.TempDir(), logger.NewDiscardLogger("test"))

	assert.NoError(t, l.Check(types.BackupLocation{}))
	assert.NoError(t, l.Check(types.BackupLocation{Type: types.LocationLocal}))
	for _, lt := range []types.LocationType{types.LocationS3, types.LocationGCS, types.LocationAzure, types.LocationFTP} {
		assert.ErrorIs(t, l.Check(types.BackupLocation{Type: lt}), ErrLocationNotImplemented, lt)
	}

	l.WithRemote(types.LocationS3, newFakeObjectStore())
	assert.NoError(t, l.Check(types.BackupLocation{Type: types.LocationS3}))
	assert.ErrorIs(t, l.Check(types.BackupLocation{Type: types.LocationAzure}), ErrLocationNotImplemented)
}

func TestLocations_OutputDir(t *testing.T) {
	root := t.TempDir()
	l := NewLocations(root, logger.NewDiscardLogger("test"))

	dir, err := l.OutputDir(types.BackupLocation{Path: "nightly/db"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "nightly", "db"), dir)
	assert.DirExists(t, dir)

	abs := filepath.Join(t.TempDir(), "elsewhere")
	dir, err = l.OutputDir(types.BackupLocation{Path: abs})
	require.NoError(t, err)
	assert.Equal(t, abs, dir)
}

func TestLocations_PublishAndRemove(t *testing.T) {
	store := newFakeObjectStore()
	l := NewLocations(t.TempDir(), logger.NewDiscardLogger("test")).WithRemote(types.LocationS3, store)
	ctx := context.Background()

	obj, err := l.Publish(ctx, types.BackupLocation{}, "/srv/backups/a.sql")
	require.NoError(t, err)
	assert.Nil(t, obj, "локальное место назначения ничего не загружает")

	obj, err = l.Publish(ctx, types.BackupLocation{Type: types.LocationS3, Prefix: "site-17"}, "/srv/backups/a.sql.gz")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "site-backups", obj.Bucket)
	assert.Equal(t, "site-17/a.sql.gz", obj.Key)
	assert.Equal(t, "/srv/backups/a.sql.gz", store.uploads["site-backups/site-17/a.sql.gz"])

	require.NoError(t, l.Remove(ctx, *obj))
	assert.Equal(t, []string{"site-backups/site-17/a.sql.gz"}, store.deleted)

	store.failOn = "b.zip"
	_, err = l.Publish(ctx, types.BackupLocation{Type: types.LocationS3, Bucket: "other"}, "/srv/backups/b.zip")
	assert.Error(t, err)
}
