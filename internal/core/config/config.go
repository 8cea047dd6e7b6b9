package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config основная конфигурация приложения
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Source      SourceConfig      `mapstructure:"source" yaml:"source"`
	Backup      BackupConfig      `mapstructure:"backup" yaml:"backup"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// DatabaseConfig хранилище задач, расписаний и политик
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// SourceConfig база данных приложения, которую нужно бэкапить
type SourceConfig struct {
	Driver      string   `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=postgres mysql sqlite3"`
	DSN         string   `mapstructure:"dsn" yaml:"dsn"`
	DumpCommand string   `mapstructure:"dump_command" yaml:"dump_command"`
	ProbeTables []string `mapstructure:"probe_tables" yaml:"probe_tables"`
}

// BackupConfig параметры файловой системы для артефактов
type BackupConfig struct {
	RootDir string `mapstructure:"root_dir" yaml:"root_dir" validate:"required"`
}

// SchedulerConfig параметры планировщика
type SchedulerConfig struct {
	TerminateOnCancel bool `mapstructure:"terminate_on_cancel" yaml:"terminate_on_cancel"`
}

// LoggingConfig параметры логирования
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json text"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// StorageConfig учетные данные удаленных хранилищ
type StorageConfig struct {
	S3  S3StorageConfig  `mapstructure:"s3" yaml:"s3"`
	GCS GCSStorageConfig `mapstructure:"gcs" yaml:"gcs"`
}

// S3StorageConfig конфигурация S3-совместимого хранилища
type S3StorageConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey  string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey  string `mapstructure:"secret_key" yaml:"secret_key"`
	BucketName string `mapstructure:"bucket_name" yaml:"bucket_name" validate:"required_if=Enabled true"`
	UseSSL     bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// GCSStorageConfig конфигурация Google Cloud Storage
type GCSStorageConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	BucketName      string `mapstructure:"bucket_name" yaml:"bucket_name" validate:"required_if=Enabled true"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
}

// EncryptionConfig параметры шифрования артефактов
type EncryptionConfig struct {
	Passphrase    string `mapstructure:"passphrase" yaml:"passphrase"`
	KeyDerivation struct {
		Iterations int `mapstructure:"iterations" yaml:"iterations" validate:"min=1000"`
		SaltSize   int `mapstructure:"salt_size" yaml:"salt_size" validate:"min=16,max=64"`
	} `mapstructure:"key_derivation" yaml:"key_derivation"`
}

// CompressionConfig параметры сжатия
type CompressionConfig struct {
	Level int `mapstructure:"level" yaml:"level" validate:"min=-1,max=9"`
}

// MetricsConfig параметры экспорта метрик
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewConfig создает новую конфигурацию с значениями по умолчанию
func NewConfig() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: getDefaultDatabasePath()},
		Source: SourceConfig{
			Driver: "postgres",
		},
		Backup: BackupConfig{RootDir: getDefaultBackupPath()},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Storage: StorageConfig{
			S3: S3StorageConfig{UseSSL: true},
		},
		Compression: CompressionConfig{Level: 6},
	}
	cfg.Encryption.KeyDerivation.Iterations = 100000
	cfg.Encryption.KeyDerivation.SaltSize = 32

	return cfg
}

// LoadConfig загружает конфигурацию из файла, переменных окружения и значений по умолчанию
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWith(viper.GetViper(), configPath)
}

// LoadConfigWith загружает конфигурацию через переданный экземпляр viper
func LoadConfigWith(v *viper.Viper, configPath string) (*Config, error) {
	config := NewConfig()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Поиск конфигурации в стандартных местах
		v.SetConfigName("sitebackup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sitebackup")
		v.AddConfigPath("/etc/sitebackup")
	}

	// Переменные окружения: SITEBACKUP_SOURCE_DSN и т.д.
	v.SetEnvPrefix("SITEBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
		}
		// Файл конфигурации не найден, используем значения по умолчанию
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// bindEnvKeys регистрирует ключи, которые чаще всего задаются через окружение.
// AutomaticEnv не видит ключи, отсутствующие в файле.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.path",
		"source.driver",
		"source.dsn",
		"source.dump_command",
		"backup.root_dir",
		"encryption.passphrase",
		"storage.s3.access_key",
		"storage.s3.secret_key",
		"metrics.listen_addr",
	} {
		_ = v.BindEnv(key)
	}
}

// SaveConfig сохраняет конфигурацию в файл
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("ошибка сериализации конфигурации: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ошибка создания директории: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("ошибка записи файла конфигурации: %w", err)
	}

	return nil
}

// getDefaultDatabasePath возвращает путь к базе данных по умолчанию
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./sitebackup.db"
	}
	return filepath.Join(home, ".config", "sitebackup", "sitebackup.db")
}

// getDefaultBackupPath возвращает путь для бэкапов по умолчанию
func getDefaultBackupPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./backups"
	}
	return filepath.Join(home, "backups")
}
