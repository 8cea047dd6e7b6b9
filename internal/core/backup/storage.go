package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"sitebackup/internal/core/config"
	"sitebackup/internal/logger"
	"sitebackup/pkg/types"

	"cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/api/option"
)

// ErrLocationNotImplemented тип хранилища не реализован или не настроен
var ErrLocationNotImplemented = errors.New("тип хранилища не реализован")

// ObjectStore удаленное объектное хранилище
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, localPath string) error
	Delete(ctx context.Context, bucket, key string) error
	DefaultBucket() string
}

// RemoteObject сведения о загруженном артефакте
type RemoteObject struct {
	Type   types.LocationType
	Bucket string
	Key    string
}

// Locations определяет каталоги для артефактов и публикует их в удаленные хранилища
type Locations struct {
	rootDir string
	remotes map[types.LocationType]ObjectStore
	logger  *logger.StructuredLogger
}

// NewLocations создает локальные места назначения без удаленных хранилищ
func NewLocations(rootDir string, log *logger.StructuredLogger) *Locations {
	return &Locations{
		rootDir: rootDir,
		remotes: make(map[types.LocationType]ObjectStore),
		logger:  log.Component("locations"),
	}
}

// NewLocationsFromConfig подключает хранилища, включенные в конфигурации
func NewLocationsFromConfig(ctx context.Context, cfg *config.Config, log *logger.StructuredLogger) (*Locations, error) {
	l := NewLocations(cfg.Backup.RootDir, log)

	if cfg.Storage.S3.Enabled {
		s3, err := NewS3Store(cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("ошибка инициализации S3 хранилища: %w", err)
		}
		l.WithRemote(types.LocationS3, s3)
	}

	if cfg.Storage.GCS.Enabled {
		gcs, err := NewGCSStore(ctx, cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("ошибка инициализации GCS хранилища: %w", err)
		}
		l.WithRemote(types.LocationGCS, gcs)
	}

	return l, nil
}

// WithRemote регистрирует удаленное хранилище для типа места назначения
func (l *Locations) WithRemote(locationType types.LocationType, store ObjectStore) *Locations {
	l.remotes[locationType] = store
	return l
}

// RootDir корневой каталог артефактов
func (l *Locations) RootDir() string {
	return l.rootDir
}

// Check проверяет, что место назначения можно обслужить, до начала работы
func (l *Locations) Check(loc types.BackupLocation) error {
	switch loc.Type {
	case "", types.LocationLocal:
		return nil
	case types.LocationS3, types.LocationGCS:
		if _, ok := l.remotes[loc.Type]; ok {
			return nil
		}
		return fmt.Errorf("%s не настроено: %w", loc.Type, ErrLocationNotImplemented)
	default:
		return fmt.Errorf("%s: %w", loc.Type, ErrLocationNotImplemented)
	}
}

// OutputDir возвращает и создает локальный каталог для артефакта
func (l *Locations) OutputDir(loc types.BackupLocation) (string, error) {
	if err := l.Check(loc); err != nil {
		return "", err
	}

	dir := l.rootDir
	if loc.Path != "" {
		if filepath.IsAbs(loc.Path) {
			dir = loc.Path
		} else {
			dir = filepath.Join(l.rootDir, loc.Path)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("ошибка создания каталога бэкапов: %w", err)
	}
	return dir, nil
}

// Publish загружает артефакт в удаленное хранилище. Для локального места назначения ничего не делает.
func (l *Locations) Publish(ctx context.Context, loc types.BackupLocation, localPath string) (*RemoteObject, error) {
	if err := l.Check(loc); err != nil {
		return nil, err
	}
	store, ok := l.remotes[loc.Type]
	if !ok {
		return nil, nil
	}

	bucket := loc.Bucket
	if bucket == "" {
		bucket = store.DefaultBucket()
	}
	key := path.Join(loc.Prefix, filepath.Base(localPath))

	if err := store.Upload(ctx, bucket, key, localPath); err != nil {
		return nil, fmt.Errorf("ошибка загрузки артефакта в %s: %w", loc.Type, err)
	}

	l.logger.InfoContext(ctx, "Артефакт загружен в удаленное хранилище",
		"type", loc.Type,
		"bucket", bucket,
		"key", key)

	return &RemoteObject{Type: loc.Type, Bucket: bucket, Key: key}, nil
}

// Remove удаляет объект из удаленного хранилища
func (l *Locations) Remove(ctx context.Context, obj RemoteObject) error {
	store, ok := l.remotes[obj.Type]
	if !ok {
		return fmt.Errorf("%s: %w", obj.Type, ErrLocationNotImplemented)
	}
	if err := store.Delete(ctx, obj.Bucket, obj.Key); err != nil {
		return fmt.Errorf("ошибка удаления объекта %s: %w", obj.Key, err)
	}
	return nil
}

// artifactName формирует имя артефакта вида <prefix>_<jobID>_<время><ext>
func artifactName(prefix, jobID, ext string) string {
	return fmt.Sprintf("%s_%s_%s%s", prefix, jobID, time.Now().UTC().Format("20060102_150405"), ext)
}

// S3Store хранилище, совместимое с S3
type S3Store struct {
	client     *minio.Client
	bucketName string
}

// NewS3Store создает клиент S3-совместимого хранилища
func NewS3Store(cfg config.S3StorageConfig) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания S3 клиента: %w", err)
	}

	return &S3Store{client: client, bucketName: cfg.BucketName}, nil
}

// Upload загружает файл в бакет
func (s *S3Store) Upload(ctx context.Context, bucket, key, localPath string) error {
	_, err := s.client.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки в S3: %w", err)
	}
	return nil
}

// Delete удаляет объект
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// DefaultBucket бакет из конфигурации
func (s *S3Store) DefaultBucket() string {
	return s.bucketName
}

// GCSStore хранилище Google Cloud Storage
type GCSStore struct {
	client     *storage.Client
	bucketName string
}

// NewGCSStore создает клиент Google Cloud Storage
func NewGCSStore(ctx context.Context, cfg config.GCSStorageConfig) (*GCSStore, error) {
	var (
		client *storage.Client
		err    error
	)
	if cfg.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCS клиента: %w", err)
	}

	return &GCSStore{client: client, bucketName: cfg.BucketName}, nil
}

// Upload загружает файл в бакет
func (g *GCSStore) Upload(ctx context.Context, bucket, key, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer src.Close()

	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("ошибка загрузки в GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("ошибка завершения загрузки в GCS: %w", err)
	}
	return nil
}

// Delete удаляет объект
func (g *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	err := g.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// DefaultBucket бакет из конфигурации
func (g *GCSStore) DefaultBucket() string {
	return g.bucketName
}
