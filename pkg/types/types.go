package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BackupType тип бэкапа
type BackupType string

const (
	BackupTypeFull         BackupType = "full"
	BackupTypeIncremental  BackupType = "incremental"
	BackupTypeDifferential BackupType = "differential"
)

// JobStatus статус задачи бэкапа
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус конечным
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobTrigger источник запуска задачи
type JobTrigger string

const (
	JobTriggerManual    JobTrigger = "manual"
	JobTriggerScheduled JobTrigger = "scheduled"
)

// Compression режим сжатия артефакта
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionTar   Compression = "tar"
	CompressionTarGz Compression = "tar.gz"
	CompressionZip   Compression = "zip"
)

// LocationType тип места назначения бэкапа
type LocationType string

const (
	LocationLocal LocationType = "local"
	LocationS3    LocationType = "s3"
	LocationGCS   LocationType = "gcs"
	LocationAzure LocationType = "azure"
	LocationFTP   LocationType = "ftp"
)

// EpochSentinel точка отсчета для первого инкрементального бэкапа
var EpochSentinel = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// BackupConfig политика бэкапа, которую исполняет расписание или ручной запуск
type BackupConfig struct {
	ID              string                `json:"id" db:"id" validate:"required"`
	Name            string                `json:"name" db:"name" validate:"required,min=1,max=100"`
	Type            BackupType            `json:"type" db:"type" validate:"required,oneof=full incremental differential"`
	Enabled         bool                  `json:"enabled" db:"enabled"`
	RetentionDays   int                   `json:"retention_days" db:"retention_days" validate:"min=0,max=3650"`
	IncludeFiles    bool                  `json:"include_files" db:"include_files"`
	IncludeDatabase bool                  `json:"include_database" db:"include_database"`
	Compression     Compression           `json:"compression" db:"compression" validate:"omitempty,oneof=none gzip tar tar.gz zip"`
	Encryption      bool                  `json:"encryption" db:"encryption"`
	Database        DatabaseBackupOptions `json:"database_options" db:"database_options"`
	Files           FileBackupOptions     `json:"file_options" db:"file_options"`
	Location        BackupLocation        `json:"location" db:"location"`
	CreatedAt       time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at" db:"updated_at"`
}

// BackupSchedule привязывает политику к cron-выражению
type BackupSchedule struct {
	ID             string     `json:"id" db:"id"`
	ConfigID       string     `json:"config_id" db:"config_id" validate:"required"`
	CronExpression string     `json:"cron_expression" db:"cron_expression" validate:"required,cron"`
	Timezone       string     `json:"timezone" db:"timezone" validate:"omitempty,timezone"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	LastRun        *time.Time `json:"last_run,omitempty" db:"last_run"`
	NextRun        *time.Time `json:"next_run,omitempty" db:"next_run"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// BackupJob запись об одной попытке выполнения бэкапа
type BackupJob struct {
	ID             string      `json:"id" db:"id"`
	ConfigID       string      `json:"config_id" db:"config_id"`
	ScheduleID     string      `json:"schedule_id,omitempty" db:"schedule_id"`
	Type           BackupType  `json:"type" db:"type"`
	Trigger        JobTrigger  `json:"trigger" db:"trigger_type"`
	Status         JobStatus   `json:"status" db:"status"`
	Progress       int         `json:"progress" db:"progress"`
	StartedAt      *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	FilePath       string      `json:"file_path,omitempty" db:"file_path"`
	FileSize       int64       `json:"file_size" db:"file_size"`
	CompressedSize int64       `json:"compressed_size" db:"compressed_size"`
	ErrorMessage   string      `json:"error_message,omitempty" db:"error_message"`
	Metadata       JobMetadata `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// BackupLocation место назначения артефакта. Учетные данные хранятся в конфигурации приложения.
type BackupLocation struct {
	Type   LocationType `json:"type" validate:"omitempty,storage_type"`
	Path   string       `json:"path,omitempty"`
	Bucket string       `json:"bucket,omitempty"`
	Prefix string       `json:"prefix,omitempty"`
}

// DatabaseBackupOptions параметры дампа базы данных
type DatabaseBackupOptions struct {
	// Если оба флага выключены, выгружаются и схема, и данные
	IncludeSchema bool        `json:"include_schema"`
	IncludeData   bool        `json:"include_data"`
	Tables        []string    `json:"tables,omitempty"`
	ExcludeTables []string    `json:"exclude_tables,omitempty"`
	Compression   Compression `json:"compression,omitempty"`
}

// FileBackupOptions параметры архивирования файлов
type FileBackupOptions struct {
	Directories     []string    `json:"directories,omitempty"`
	IncludePatterns []string    `json:"include_patterns,omitempty"`
	ExcludePatterns []string    `json:"exclude_patterns,omitempty"`
	MaxFileSize     int64       `json:"max_file_size,omitempty"`
	Compression     Compression `json:"compression,omitempty"`
}

// BackupResult результат работы сервиса бэкапа
type BackupResult struct {
	FilePath       string      `json:"file_path"`
	Size           int64       `json:"size"`
	CompressedSize int64       `json:"compressed_size"`
	FilesCount     int         `json:"files_count"`
	Metadata       JobMetadata `json:"metadata,omitempty"`
}

// ProgressFunc получает процент выполнения от 0 до 100
type ProgressFunc func(percent int)

// JobMetadata произвольные сведения о задаче, хранятся в JSON
type JobMetadata map[string]any

// Value реализует driver.Valuer
func (m JobMetadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalJSON(m)
}

// Scan реализует sql.Scanner
func (m *JobMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Value реализует driver.Valuer
func (o DatabaseBackupOptions) Value() (driver.Value, error) {
	return marshalJSON(o)
}

// Scan реализует sql.Scanner
func (o *DatabaseBackupOptions) Scan(src any) error {
	return scanJSON(src, o)
}

// Value реализует driver.Valuer
func (o FileBackupOptions) Value() (driver.Value, error) {
	return marshalJSON(o)
}

// Scan реализует sql.Scanner
func (o *FileBackupOptions) Scan(src any) error {
	return scanJSON(src, o)
}

// Value реализует driver.Valuer
func (l BackupLocation) Value() (driver.Value, error) {
	return marshalJSON(l)
}

// Scan реализует sql.Scanner
func (l *BackupLocation) Scan(src any) error {
	return scanJSON(src, l)
}

func marshalJSON(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации JSON: %w", err)
	}
	return string(data), nil
}

func scanJSON(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("неподдерживаемый тип для JSON-поля: %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("ошибка разбора JSON-поля: %w", err)
	}
	return nil
}
